package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"faceage/internal/camera"
	"faceage/internal/config"
)

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected int
	}{
		{"カメラ無し", fmt.Errorf("open: %w", camera.ErrDeviceUnavailable), exitDeviceUnavailable},
		{"設定エラー", fmt.Errorf("%w: port", config.ErrInvalidConfig), exitFailure},
		{"その他", errors.New("boom"), exitFailure},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, got)
			}
		})
	}
}

func TestListDevices(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)

	discovery := camera.NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})
	if err := listDevices(cmd, discovery); err != nil {
		t.Fatalf("listDevices failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected header and 2 devices, got:\n%s", out.String())
	}
	if !strings.HasPrefix(lines[0], "DEVICE") {
		t.Errorf("Expected header, got %q", lines[0])
	}
	for i, device := range []string{"/dev/video0", "/dev/video2"} {
		if !strings.HasPrefix(lines[i+1], device) {
			t.Errorf("Line %d: expected %s, got %q", i+1, device, lines[i+1])
		}
		if !strings.HasSuffix(lines[i+1], "yes") {
			t.Errorf("Line %d: expected device to be available, got %q", i+1, lines[i+1])
		}
	}
}

func TestListDevices_Empty(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)

	if err := listDevices(cmd, camera.NewMockDiscovery(nil)); err != nil {
		t.Fatalf("listDevices failed: %v", err)
	}
	if !strings.Contains(out.String(), "見つかりません") {
		t.Errorf("Expected empty message, got %q", out.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "analyze", "devices"} {
		if c, _, err := rootCmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("Expected subcommand %s to be registered", name)
		}
	}
}
