package server

import (
	"embed"
	"fmt"
)

//go:embed all:dist
var embedFS embed.FS

// indexHTML は埋め込みの index.html を返す
func indexHTML() ([]byte, error) {
	data, err := embedFS.ReadFile("dist/index.html")
	if err != nil {
		return nil, fmt.Errorf("埋め込みindex.htmlの読み込みに失敗: %w", err)
	}
	return data, nil
}
