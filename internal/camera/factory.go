package camera

import (
	"fmt"

	"github.com/rs/zerolog"
)

// SourceConfig はソース作成設定
type SourceConfig struct {
	Type     VideoSourceType
	Device   string // webcam の場合はデバイスパス、file の場合は動画ファイルのパス
	Settings VideoSettings
}

// NewVideoSource は設定から VideoSource を作成する
// デバイスを開くのは Acquire の時点で、ここでは開かない
func NewVideoSource(config SourceConfig, logger zerolog.Logger) (VideoSource, error) {
	if config.Device == "" {
		return nil, fmt.Errorf("ソースのパスが指定されていません")
	}

	settings := config.Settings
	if settings.Width <= 0 {
		settings.Width = 640
	}
	if settings.Height <= 0 {
		settings.Height = 480
	}
	if settings.FrameRate <= 0 {
		settings.FrameRate = 30
	}

	var info VideoSourceInfo
	switch config.Type {
	case SourceTypeWebcam, "":
		info = VideoSourceInfo{
			ID:          "webcam",
			Name:        fmt.Sprintf("カメラ (%s)", config.Device),
			Type:        SourceTypeWebcam,
			Description: "V4L2カメラ",
			Device:      config.Device,
		}
	case SourceTypeFile:
		info = VideoSourceInfo{
			ID:          "file",
			Name:        fmt.Sprintf("動画ファイル (%s)", config.Device),
			Type:        SourceTypeFile,
			Description: "ループ再生する動画ファイル",
			Device:      config.Device,
		}
	default:
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", config.Type)
	}

	return NewStreamSource(info, settings, logger), nil
}
