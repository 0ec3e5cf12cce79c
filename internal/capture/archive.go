package capture

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveBatch はバッチの画像を dir/<バッチID>/image{i}.jpg として保存する
// 解析サービスへ送るファイル名と同じ名前を使う。保存したパスを撮影順に返す。
func SaveBatch(dir string, batch Batch) ([]string, error) {
	batchDir := filepath.Join(dir, batch.ID)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	paths := make([]string, 0, batch.Len())
	for i, img := range batch.Images {
		path := filepath.Join(batchDir, fmt.Sprintf("image%d.jpg", i))
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return nil, fmt.Errorf("画像の保存に失敗 (%s): %w", path, err)
		}
		paths = append(paths, path)
	}

	return paths, nil
}
