package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)
	pixelFormatPattern = regexp.MustCompile(`'([A-Z0-9]{4})'`)
)

// LinuxDiscovery は /dev/video* からカメラを検出する
type LinuxDiscovery struct {
	devicePattern string
	timeout       time.Duration
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		devicePattern: "/dev/video*",
		timeout:       5 * time.Second,
	}
}

// ScanDevices はカラー映像を出せるデバイスを番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.devicePattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return deviceNumber(matches[i]) < deviceNumber(matches[j])
	})

	var devices []string
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		// メタデータ専用ノードなどカラーフォーマットを持たないものは除外
		if !hasColorFormat(d.listFormats(ctx, match)) {
			continue
		}
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスを読み取りで開けるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はv4l2-ctlの出力からデバイス情報を組み立てる
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, device)
	}

	info := &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("カメラ %d", deviceNumber(device)),
		Formats: d.listFormats(ctx, device),
	}

	if out, err := d.v4l2ctl(ctx, device, "--info"); err == nil {
		fields := parseV4L2Info(out)
		if name := fields["Card type"]; name != "" {
			info.Name = name
		}
		info.Driver = fields["Driver name"]
	}

	return info, nil
}

// listFormats はデバイスがサポートするピクセルフォーマットを返す
func (d *LinuxDiscovery) listFormats(ctx context.Context, device string) []string {
	out, err := d.v4l2ctl(ctx, device, "--list-formats")
	if err != nil {
		return nil
	}
	return parsePixelFormats(out)
}

// v4l2ctl はタイムアウト付きでv4l2-ctlを実行する
func (d *LinuxDiscovery) v4l2ctl(ctx context.Context, device string, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "v4l2-ctl", append([]string{"--device", device}, args...)...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("v4l2-ctl の実行に失敗: %w", err)
	}
	return string(output), nil
}

// parseV4L2Info は "キー : 値" 形式の行を読み取る
func parseV4L2Info(output string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, exists := fields[key]; exists {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// parsePixelFormats は --list-formats の出力からフォーマット名を重複なく取り出す
func parsePixelFormats(output string) []string {
	var formats []string
	seen := make(map[string]bool)
	for _, m := range pixelFormatPattern.FindAllStringSubmatch(output, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		formats = append(formats, m[1])
	}
	return formats
}

func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "YUYV" || f == "MJPG" {
			return true
		}
	}
	return false
}

// deviceNumber は /dev/videoN の N を返す
func deviceNumber(device string) int {
	m := videoDevicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
	infos   map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{infos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録済みかチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	_, exists := m.infos[device]
	return exists
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, exists := m.infos[device]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if _, exists := m.infos[device]; exists {
		return
	}
	m.devices = append(m.devices, device)
	m.infos[device] = &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver:  "mock",
		Formats: []string{"MJPG"},
	}
}
