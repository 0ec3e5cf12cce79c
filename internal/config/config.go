package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"faceage/internal/capture"
)

// ErrInvalidConfig は設定の検証に失敗したことを表す
var ErrInvalidConfig = errors.New("無効な設定")

// カメラソース種別
const (
	SourceWebcam = "webcam" // V4L2デバイス
	SourceFile   = "file"   // 動画ファイルをループ再生
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Capture  capture.Config `yaml:"capture"`
	Landmark LandmarkConfig `yaml:"landmark"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Source string `yaml:"source"` // "webcam" または "file"
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)
	File   string `yaml:"file"`   // source=file の場合の動画ファイル

	FPS    int `yaml:"fps"`    // フレームレート (fps)
	Width  int `yaml:"width"`  // 画像幅
	Height int `yaml:"height"` // 画像高さ
}

// LandmarkConfig は顔ランドマーク推論ワーカーの設定
type LandmarkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Python   string `yaml:"python"`   // Pythonインタプリタ
	Script   string `yaml:"script"`   // ワーカースクリプト
	Model    string `yaml:"model"`    // モデルの場所（パスまたはURL）
	Delegate string `yaml:"delegate"` // "GPU" または "CPU"

	RefreshInterval  time.Duration `yaml:"refresh_interval"`  // 描画ループの周期
	InferenceTimeout time.Duration `yaml:"inference_timeout"` // 1回の推論の上限時間
}

// AnalysisConfig は解析サービスの設定
type AnalysisConfig struct {
	Endpoint string        `yaml:"endpoint"` // multipart POST先
	Timeout  time.Duration `yaml:"timeout"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultModelURL は既定の顔ランドマークモデル
const DefaultModelURL = "https://storage.googleapis.com/mediapipe-models/face_landmarker/face_landmarker/float16/1/face_landmarker.task"

// Default はデフォルト値で埋めた設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Source: SourceWebcam,
			Device: "/dev/video0",
			FPS:    30,
			Width:  640,
			Height: 480,
		},
		Capture: capture.DefaultConfig(),
		Landmark: LandmarkConfig{
			Enabled:          true,
			Python:           "python3",
			Script:           "python/face_landmarker.py",
			Model:            DefaultModelURL,
			Delegate:         "GPU",
			RefreshInterval:  time.Second / 30,
			InferenceTimeout: 2 * time.Second,
		},
		Analysis: AnalysisConfig{
			Endpoint: "http://localhost:8000/analyze",
			Timeout:  60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → 設定ファイル（pathが空でなければ） → 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := Resolve(cfg, path, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve は設定ファイルと環境変数を cfg に反映して検証する
// changed に含まれるフラグ名の項目はコマンドラインで指定済みとみなし上書きしない
func Resolve(cfg *Config, path string, changed map[string]bool) error {
	if path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return err
		}
		if err := fc.Apply(cfg, changed); err != nil {
			return err
		}
	}

	if err := ApplyEnv(cfg, changed); err != nil {
		return err
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: 無効なポート番号: %d", ErrInvalidConfig, c.Server.Port)
	}

	switch c.Camera.Source {
	case SourceWebcam:
		if c.Camera.Device == "" {
			return fmt.Errorf("%w: カメラデバイスパスが設定されていません", ErrInvalidConfig)
		}
	case SourceFile:
		if c.Camera.File == "" {
			return fmt.Errorf("%w: 動画ファイルが設定されていません", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: 不明なカメラソース: %q", ErrInvalidConfig, c.Camera.Source)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 || c.Camera.FPS <= 0 {
		return fmt.Errorf("%w: 無効な解像度またはFPS: %dx%d@%d", ErrInvalidConfig, c.Camera.Width, c.Camera.Height, c.Camera.FPS)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if c.Landmark.Enabled {
		if c.Landmark.Script == "" || c.Landmark.Model == "" {
			return fmt.Errorf("%w: ランドマークのスクリプトとモデルは必須です", ErrInvalidConfig)
		}
	}
	if c.Landmark.RefreshInterval <= 0 {
		return fmt.Errorf("%w: 無効な描画周期: %s", ErrInvalidConfig, c.Landmark.RefreshInterval)
	}

	u, err := url.Parse(c.Analysis.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: 無効な解析エンドポイント: %q", ErrInvalidConfig, c.Analysis.Endpoint)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FileExists はパスに通常ファイルが存在するかを返す
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
