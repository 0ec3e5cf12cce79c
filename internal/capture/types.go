package capture

import (
	"fmt"
	"time"
)

// Config はキャプチャスケジューラの設定
type Config struct {
	SampleInterval time.Duration `yaml:"sample_interval"` // 撮影間隔 (デフォルト: 500ms)
	TotalBudget    time.Duration `yaml:"total_budget"`    // 全体の制限時間 (デフォルト: 5秒)
	SampleCap      int           `yaml:"sample_cap"`      // 最大撮影枚数 (デフォルト: 10)
}

// DefaultConfig はデフォルトのキャプチャ設定を返す
func DefaultConfig() Config {
	return Config{
		SampleInterval: 500 * time.Millisecond,
		TotalBudget:    5 * time.Second,
		SampleCap:      10,
	}
}

// Validate は設定値の妥当性を検証する
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("無効な撮影間隔: %s", c.SampleInterval)
	}
	if c.TotalBudget <= 0 {
		return fmt.Errorf("無効な制限時間: %s", c.TotalBudget)
	}
	if c.SampleCap <= 0 {
		return fmt.Errorf("無効な最大撮影枚数: %d", c.SampleCap)
	}
	return nil
}

// Path はバッチが確定した経路
type Path string

// Path の定数定義
const (
	PathEarly    Path = "early_completion" // 上限枚数に到達
	PathDeadline Path = "deadline"         // 制限時間に到達
)

// Batch は1回の解析要求で撮影した静止画の集まり
// Images は撮影順のJPEGデータで、件数は 0..SampleCap
type Batch struct {
	ID      string        `json:"id"`
	Images  [][]byte      `json:"-"`
	Path    Path          `json:"path"`
	Elapsed time.Duration `json:"elapsed"`
}

// Len は撮影枚数を返す
func (b Batch) Len() int {
	return len(b.Images)
}

// Snapshotter は静止画を1枚取得できる映像ソース
// フレームがまだ無い場合は false を返す
type Snapshotter interface {
	Snapshot() ([]byte, bool)
}

// Handoff は確定したバッチを受け取る
// 呼び出し後、バッチの所有権は受け取り側に移る
type Handoff func(Batch)
