package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"faceage/internal/camera"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "利用できるカメラデバイスを一覧表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices(cmd, camera.NewLinuxDiscovery())
	},
}

func listDevices(cmd *cobra.Command, discovery camera.Discovery) error {
	ctx := cmd.Context()

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		return fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "カメラデバイスが見つかりません")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tDRIVER\tFORMATS\tAVAILABLE")
	for _, device := range devices {
		available := "no"
		if discovery.IsDeviceAvailable(ctx, device) {
			available = "yes"
		}

		info, err := discovery.GetDeviceInfo(ctx, device)
		if err != nil {
			logger.Warn().Err(err).Str("device", device).Msg("デバイス情報を取得できません")
			fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", device, available)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.Device, info.Name, info.Driver, strings.Join(info.Formats, ","), available)
	}
	return w.Flush()
}

func init() {
	devicesCmd.SetErr(os.Stderr)
	rootCmd.AddCommand(devicesCmd)
}
