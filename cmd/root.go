package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"faceage/internal/camera"
	"faceage/internal/config"
)

// defaultConfigFile は --config 未指定時に探す設定ファイル
const defaultConfigFile = "faceage.yaml"

// 終了コード
const (
	exitFailure           = 1
	exitDeviceUnavailable = 2
)

var (
	cfg         = config.Default()
	cfgPath     string
	noLandmarks bool
	logger      = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
)

var rootCmd = &cobra.Command{
	Use:           "faceage",
	Short:         "カメラ映像から年齢と表情を推定する",
	Version:       version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// コマンドラインで指定されたフラグはファイルと環境変数より優先する
		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		// 指定が無ければカレントディレクトリの設定ファイルを使う
		if cfgPath == "" && config.FileExists(defaultConfigFile) {
			cfgPath = defaultConfigFile
		}

		if noLandmarks {
			cfg.Landmark.Enabled = false
		}
		if err := config.Resolve(cfg, cfgPath, changed); err != nil {
			return err
		}

		level, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("%w: 不明なログレベル: %q", config.ErrInvalidConfig, cfg.Log.Level)
		}
		logger = logger.Level(level)
		return nil
	},
}

func version() string {
	v := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v = info.Main.Version
	}
	return fmt.Sprintf("%s %s/%s", v, runtime.GOOS, runtime.GOARCH)
}

// Execute はコマンドを実行する
func Execute() {
	// Ctrl+C と SIGTERM で全体を止める
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("終了します")
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode はエラーに応じた終了コードを返す
func exitCode(err error) int {
	if errors.Is(err, camera.ErrDeviceUnavailable) {
		return exitDeviceUnavailable
	}
	return exitFailure
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", "", "設定ファイル (.yaml / .toml)")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "ログレベル (debug, info, warn, error)")

	// カメラ
	flags.StringVar(&cfg.Camera.Source, "camera-source", cfg.Camera.Source, "映像ソース (webcam または file)")
	flags.StringVar(&cfg.Camera.Device, "device", cfg.Camera.Device, "カメラデバイスパス")
	flags.StringVar(&cfg.Camera.File, "file", cfg.Camera.File, "ループ再生する動画ファイル (camera-source=file)")
	flags.IntVar(&cfg.Camera.Width, "width", cfg.Camera.Width, "画像幅")
	flags.IntVar(&cfg.Camera.Height, "height", cfg.Camera.Height, "画像高さ")
	flags.IntVar(&cfg.Camera.FPS, "fps", cfg.Camera.FPS, "フレームレート")

	// 撮影
	flags.DurationVar(&cfg.Capture.SampleInterval, "sample-interval", cfg.Capture.SampleInterval, "撮影間隔")
	flags.DurationVar(&cfg.Capture.TotalBudget, "total-budget", cfg.Capture.TotalBudget, "撮影の制限時間")
	flags.IntVar(&cfg.Capture.SampleCap, "sample-cap", cfg.Capture.SampleCap, "最大撮影枚数")

	// 解析サービス
	flags.StringVar(&cfg.Analysis.Endpoint, "endpoint", cfg.Analysis.Endpoint, "解析サービスのURL")
	flags.DurationVar(&cfg.Analysis.Timeout, "analysis-timeout", cfg.Analysis.Timeout, "解析要求のタイムアウト")
}
