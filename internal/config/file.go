package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの内容
// YAMLとTOMLの両方で書けるよう、時間は文字列で受け取る
type FileConfig struct {
	Server struct {
		Host         string `yaml:"host" toml:"host"`
		Port         int    `yaml:"port" toml:"port"`
		ReadTimeout  string `yaml:"read_timeout" toml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout" toml:"write_timeout"`
	} `yaml:"server" toml:"server"`

	Camera struct {
		Source string `yaml:"source" toml:"source"`
		Device string `yaml:"device" toml:"device"`
		File   string `yaml:"file" toml:"file"`
		FPS    int    `yaml:"fps" toml:"fps"`
		Width  int    `yaml:"width" toml:"width"`
		Height int    `yaml:"height" toml:"height"`
	} `yaml:"camera" toml:"camera"`

	Capture struct {
		SampleInterval string `yaml:"sample_interval" toml:"sample_interval"`
		TotalBudget    string `yaml:"total_budget" toml:"total_budget"`
		SampleCap      int    `yaml:"sample_cap" toml:"sample_cap"`
	} `yaml:"capture" toml:"capture"`

	Landmark struct {
		Enabled          *bool  `yaml:"enabled" toml:"enabled"`
		Python           string `yaml:"python" toml:"python"`
		Script           string `yaml:"script" toml:"script"`
		Model            string `yaml:"model" toml:"model"`
		Delegate         string `yaml:"delegate" toml:"delegate"`
		RefreshInterval  string `yaml:"refresh_interval" toml:"refresh_interval"`
		InferenceTimeout string `yaml:"inference_timeout" toml:"inference_timeout"`
	} `yaml:"landmark" toml:"landmark"`

	Analysis struct {
		Endpoint string `yaml:"endpoint" toml:"endpoint"`
		Timeout  string `yaml:"timeout" toml:"timeout"`
	} `yaml:"analysis" toml:"analysis"`

	Log struct {
		Level string `yaml:"level" toml:"level"`
	} `yaml:"log" toml:"log"`
}

// LoadFile は拡張子に応じてYAMLまたはTOMLの設定ファイルを読み込む
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig

	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		return fc, fmt.Errorf("%w: 未対応の設定ファイル形式: %s", ErrInvalidConfig, path)
	}
	if err != nil {
		return fc, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}

	return fc, nil
}

// Apply はファイルの値を設定に反映する
// changed に含まれるフラグ名の項目はコマンドライン指定を優先して上書きしない
func (fc FileConfig) Apply(cfg *Config, changed map[string]bool) error {
	s := setter{changed: changed}

	s.setString("host", fc.Server.Host, &cfg.Server.Host)
	s.setInt("port", fc.Server.Port, &cfg.Server.Port)
	s.setString("camera-source", fc.Camera.Source, &cfg.Camera.Source)
	s.setString("device", fc.Camera.Device, &cfg.Camera.Device)
	s.setString("file", fc.Camera.File, &cfg.Camera.File)
	s.setInt("fps", fc.Camera.FPS, &cfg.Camera.FPS)
	s.setInt("width", fc.Camera.Width, &cfg.Camera.Width)
	s.setInt("height", fc.Camera.Height, &cfg.Camera.Height)
	s.setInt("sample-cap", fc.Capture.SampleCap, &cfg.Capture.SampleCap)
	s.setString("python", fc.Landmark.Python, &cfg.Landmark.Python)
	s.setString("script", fc.Landmark.Script, &cfg.Landmark.Script)
	s.setString("model", fc.Landmark.Model, &cfg.Landmark.Model)
	s.setString("delegate", fc.Landmark.Delegate, &cfg.Landmark.Delegate)
	s.setString("endpoint", fc.Analysis.Endpoint, &cfg.Analysis.Endpoint)
	s.setString("log-level", fc.Log.Level, &cfg.Log.Level)

	if fc.Landmark.Enabled != nil && !changed["no-landmarks"] {
		cfg.Landmark.Enabled = *fc.Landmark.Enabled
	}

	durations := []struct {
		flag  string
		value string
		dst   *time.Duration
	}{
		{"read-timeout", fc.Server.ReadTimeout, &cfg.Server.ReadTimeout},
		{"write-timeout", fc.Server.WriteTimeout, &cfg.Server.WriteTimeout},
		{"sample-interval", fc.Capture.SampleInterval, &cfg.Capture.SampleInterval},
		{"total-budget", fc.Capture.TotalBudget, &cfg.Capture.TotalBudget},
		{"refresh-interval", fc.Landmark.RefreshInterval, &cfg.Landmark.RefreshInterval},
		{"inference-timeout", fc.Landmark.InferenceTimeout, &cfg.Landmark.InferenceTimeout},
		{"analysis-timeout", fc.Analysis.Timeout, &cfg.Analysis.Timeout},
	}
	for _, d := range durations {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}

	return nil
}

// setter はゼロ値と変更済みフラグを飛ばしながら値を代入する
type setter struct {
	changed map[string]bool
}

func (s setter) setString(flag, v string, dst *string) {
	if v != "" && !s.changed[flag] {
		*dst = v
	}
}

func (s setter) setInt(flag string, v int, dst *int) {
	if v != 0 && !s.changed[flag] {
		*dst = v
	}
}

func (s setter) setDuration(flag, v string, dst *time.Duration) error {
	if v == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s の値が不正です: %q", ErrInvalidConfig, flag, v)
	}
	*dst = d
	return nil
}
