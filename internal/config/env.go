package config

import (
	"fmt"
	"os"

	"github.com/spf13/cast"
)

// EnvPrefix は環境変数の接頭辞
const EnvPrefix = "FACEAGE_"

// ApplyEnv は FACEAGE_* 環境変数を設定に反映する
// changed に含まれるフラグ名の項目は上書きしない
func ApplyEnv(cfg *Config, changed map[string]bool) error {
	type binding struct {
		env  string
		flag string
		set  func(v string) error
	}

	str := func(dst *string) func(string) error {
		return func(v string) error {
			*dst = v
			return nil
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := cast.ToIntE(v)
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	duration := func(dst *int64) func(string) error {
		return func(v string) error {
			d, err := cast.ToDurationE(v)
			if err != nil {
				return err
			}
			*dst = int64(d)
			return nil
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := cast.ToBoolE(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}

	bindings := []binding{
		{"SERVER_HOST", "host", str(&cfg.Server.Host)},
		{"PORT", "port", integer(&cfg.Server.Port)},
		{"CAMERA_SOURCE", "camera-source", str(&cfg.Camera.Source)},
		{"CAMERA_DEVICE", "device", str(&cfg.Camera.Device)},
		{"CAMERA_FILE", "file", str(&cfg.Camera.File)},
		{"CAMERA_FPS", "fps", integer(&cfg.Camera.FPS)},
		{"CAMERA_WIDTH", "width", integer(&cfg.Camera.Width)},
		{"CAMERA_HEIGHT", "height", integer(&cfg.Camera.Height)},
		{"SAMPLE_INTERVAL", "sample-interval", duration((*int64)(&cfg.Capture.SampleInterval))},
		{"TOTAL_BUDGET", "total-budget", duration((*int64)(&cfg.Capture.TotalBudget))},
		{"SAMPLE_CAP", "sample-cap", integer(&cfg.Capture.SampleCap)},
		{"LANDMARK_ENABLED", "no-landmarks", boolean(&cfg.Landmark.Enabled)},
		{"LANDMARK_PYTHON", "python", str(&cfg.Landmark.Python)},
		{"LANDMARK_SCRIPT", "script", str(&cfg.Landmark.Script)},
		{"LANDMARK_MODEL", "model", str(&cfg.Landmark.Model)},
		{"ANALYSIS_ENDPOINT", "endpoint", str(&cfg.Analysis.Endpoint)},
		{"ANALYSIS_TIMEOUT", "analysis-timeout", duration((*int64)(&cfg.Analysis.Timeout))},
		{"LOG_LEVEL", "log-level", str(&cfg.Log.Level)},
	}

	for _, b := range bindings {
		v, ok := os.LookupEnv(EnvPrefix + b.env)
		if !ok || v == "" || changed[b.flag] {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%w: 環境変数 %s%s の値が不正です: %v", ErrInvalidConfig, EnvPrefix, b.env, err)
		}
	}

	return nil
}
