package camera

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchDevice はデバイスファイルの削除を監視する
// デバイスが消えたら onRemoved を1回呼んで終了する。ctx のキャンセルでも終了する。
// 監視の開始に失敗した場合はエラーを返す。
func WatchDevice(ctx context.Context, device string, logger zerolog.Logger, onRemoved func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("監視の作成に失敗: %w", err)
	}

	dir := filepath.Dir(device)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("%s の監視に失敗: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(device) {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				logger.Warn().Str("device", device).Msg("カメラデバイスが取り外されました")
				onRemoved()
				return

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Str("device", device).Msg("デバイス監視エラー")
			}
		}
	}()

	// wait は監視ゴルーチンの終了を待つ
	wait := func() { <-done }
	return wait, nil
}
