package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"faceage/internal/analysis"
	"faceage/internal/camera"
	"faceage/internal/capture"
)

// firstFrameTimeout は最初のフレームを待つ時間
const firstFrameTimeout = 10 * time.Second

// saveDir は撮影した画像の保存先
var saveDir string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "画面を使わずに1回だけ撮影して解析結果を表示する",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		source, err := openSource(cmd)
		if err != nil {
			return err
		}
		defer source.Release()

		if err := waitForFrame(ctx, source, firstFrameTimeout); err != nil {
			return err
		}

		batch, err := captureBatch(ctx, source)
		if err != nil {
			return err
		}

		if saveDir != "" {
			paths, err := capture.SaveBatch(saveDir, batch)
			if err != nil {
				return err
			}
			logger.Info().Strs("files", paths).Msg("撮影した画像を保存しました")
		}

		client := analysis.NewClient(cfg.Analysis.Endpoint, cfg.Analysis.Timeout, logger)
		result, err := client.Submit(ctx, batch)
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stdout, result.Summary())
		return nil
	},
}

// waitForFrame はソースが最初のフレームを出すまで待つ
func waitForFrame(ctx context.Context, source camera.VideoSource, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, ok := source.CurrentFrame(); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: フレームを受信できません", camera.ErrDeviceUnavailable)
		case <-ticker.C:
		}
	}
}

// captureBatch は進捗を表示しながら撮影する
func captureBatch(ctx context.Context, source capture.Snapshotter) (capture.Batch, error) {
	bar := progressbar.NewOptions(cfg.Capture.SampleCap,
		progressbar.OptionSetDescription("撮影中"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	sched := capture.NewScheduler(cfg.Capture, source, logger)
	sched.OnSample(func(count int) { bar.Set(count) })

	batches := make(chan capture.Batch, 1)
	if err := sched.Start(ctx, func(b capture.Batch) { batches <- b }); err != nil {
		return capture.Batch{}, err
	}

	select {
	case batch := <-batches:
		sched.Wait()
		return batch, nil
	case <-ctx.Done():
		sched.Cancel()
		sched.Wait()
		return capture.Batch{}, ctx.Err()
	}
}

func init() {
	analyzeCmd.Flags().StringVar(&saveDir, "save-dir", "", "撮影した画像を保存するディレクトリ")
	rootCmd.AddCommand(analyzeCmd)
}
