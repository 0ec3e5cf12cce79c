package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"faceage/internal/analysis"
	"faceage/internal/camera"
	"faceage/internal/frameloop"
	"faceage/internal/landmark"
	"faceage/internal/overlay"
	"faceage/internal/overlay/cvcanvas"
	"faceage/internal/server"
	"faceage/internal/session"
)

// overlayQuality は合成したフレームのJPEG品質
const overlayQuality = 85

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "ライブ表示と解析のWebサーバーを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, err := openSource(cmd)
		if err != nil {
			return err
		}

		var opener landmark.Opener
		if cfg.Landmark.Enabled {
			opener = landmark.NewOpener(landmark.WorkerConfig{
				Python:           cfg.Landmark.Python,
				Script:           cfg.Landmark.Script,
				Model:            cfg.Landmark.Model,
				Delegate:         cfg.Landmark.Delegate,
				InferenceTimeout: cfg.Landmark.InferenceTimeout,
			}, logger)
		} else {
			logger.Info().Msg("ランドマーク検出は無効です")
		}

		var surface overlay.Surface = cvcanvas.New(overlayQuality)
		defer surface.Close()

		loop := frameloop.New(source, opener, surface, cfg.Landmark.RefreshInterval, logger)
		client := analysis.NewClient(cfg.Analysis.Endpoint, cfg.Analysis.Timeout, logger)

		sess := session.New(ctx, source, loop, client, cfg.Capture, logger)
		defer func() {
			if err := sess.Close(); err != nil {
				logger.Warn().Err(err).Msg("セッションの終了に失敗")
			}
		}()

		srv := server.New(cfg, sess, loop, source, logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("サーバーの起動に失敗しました: %w", err)
		}
		return nil
	},
}

// openSource は設定から映像ソースを作成して取得する
func openSource(cmd *cobra.Command) (camera.VideoSource, error) {
	sourceType := camera.VideoSourceType(cfg.Camera.Source)
	path := cfg.Camera.Device
	if sourceType == camera.SourceTypeFile {
		path = cfg.Camera.File
	}

	source, err := camera.NewVideoSource(camera.SourceConfig{
		Type:   sourceType,
		Device: path,
		Settings: camera.VideoSettings{
			Width:     cfg.Camera.Width,
			Height:    cfg.Camera.Height,
			FrameRate: cfg.Camera.FPS,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := source.Acquire(cmd.Context()); err != nil {
		if errors.Is(err, camera.ErrDeviceUnavailable) {
			logger.Error().Err(err).Str("device", path).Msg("カメラを利用できません")
		}
		return nil, err
	}
	return source, nil
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "サーバーのホスト")
	flags.IntVarP(&cfg.Server.Port, "port", "p", cfg.Server.Port, "サーバーのポート")
	flags.DurationVar(&cfg.Server.ReadTimeout, "read-timeout", cfg.Server.ReadTimeout, "読み込みタイムアウト")
	flags.DurationVar(&cfg.Server.WriteTimeout, "write-timeout", cfg.Server.WriteTimeout, "書き込みタイムアウト (0で無効)")

	// ランドマーク
	flags.BoolVar(&noLandmarks, "no-landmarks", false, "ランドマークのオーバーレイを無効にする")
	flags.StringVar(&cfg.Landmark.Python, "python", cfg.Landmark.Python, "Pythonインタプリタ")
	flags.StringVar(&cfg.Landmark.Script, "script", cfg.Landmark.Script, "ランドマークワーカーのスクリプト")
	flags.StringVar(&cfg.Landmark.Model, "model", cfg.Landmark.Model, "顔ランドマークモデル (パスまたはURL)")
	flags.StringVar(&cfg.Landmark.Delegate, "delegate", cfg.Landmark.Delegate, "推論デバイス (GPU または CPU)")
	flags.DurationVar(&cfg.Landmark.RefreshInterval, "refresh-interval", cfg.Landmark.RefreshInterval, "オーバーレイの更新周期")
	flags.DurationVar(&cfg.Landmark.InferenceTimeout, "inference-timeout", cfg.Landmark.InferenceTimeout, "1回の推論の制限時間")

	rootCmd.AddCommand(serveCmd)
}
