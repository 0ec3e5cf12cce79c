package camera

import (
	"sync"
)

// VideoSourceType はソースタイプを定義
type VideoSourceType string

const (
	// SourceTypeWebcam はV4L2カメラソースを表す
	SourceTypeWebcam VideoSourceType = "webcam"
	// SourceTypeFile は動画ファイルをループ再生するソースを表す
	SourceTypeFile VideoSourceType = "file"
)

// VideoSourceInfo はソース情報を表す
type VideoSourceInfo struct {
	ID          string
	Name        string
	Type        VideoSourceType
	Description string
	Device      string // デバイスパスまたはファイルパス
}

// VideoSettings は動画設定を統一
type VideoSettings struct {
	Width     int
	Height    int
	FrameRate int
	Quality   int // MJPEGの品質 (2-31, 小さいほど高品質)
}

// BaseVideoSource は共通実装を提供
type BaseVideoSource struct {
	info     VideoSourceInfo
	settings VideoSettings
	status   Status
	mu       sync.RWMutex

	// 最新フレーム保持用
	latest   Frame
	latestMu sync.RWMutex
}

// GetInfo は基本情報を返す
func (b *BaseVideoSource) GetInfo() VideoSourceInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.info
}

// GetCurrentSettings は現在の設定を返す
func (b *BaseVideoSource) GetCurrentSettings() VideoSettings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

// GetStatus はステータスを返す
func (b *BaseVideoSource) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// storeFrame は最新フレームを差し替える
func (b *BaseVideoSource) storeFrame(frame Frame) {
	b.latestMu.Lock()
	defer b.latestMu.Unlock()

	// タイムスタンプは後退させない
	if frame.Timestamp < b.latest.Timestamp {
		frame.Timestamp = b.latest.Timestamp
	}
	b.latest = frame
}

// loadFrame は最新フレームを返す
func (b *BaseVideoSource) loadFrame() (Frame, bool) {
	b.latestMu.RLock()
	defer b.latestMu.RUnlock()

	if b.latest.Data == nil {
		return Frame{}, false
	}
	return b.latest, true
}

// clearFrame は保持しているフレームを破棄する
func (b *BaseVideoSource) clearFrame() {
	b.latestMu.Lock()
	defer b.latestMu.Unlock()
	b.latest = Frame{}
}
