package camera

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable はカメラが存在しない、またはアクセスできないことを表す
var ErrDeviceUnavailable = errors.New("カメラデバイスが利用できません")

// Status はカメラの動作状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // カメラは停止中
	StatusActive   Status = "active"   // カメラは動作中
	StatusError    Status = "error"    // カメラでエラーが発生
)

// Frame は映像ソースの現在のフレーム
// Data は読み取り専用。Timestamp は取得開始からの経過時間で、単調非減少。
type Frame struct {
	Timestamp time.Duration
	Data      []byte // JPEG画像データ
	Width     int
	Height    int
}

// VideoSource はカメラストリームのライフサイクルを管理するインターフェース
type VideoSource interface {
	// Acquire はストリームを開始する
	// デバイスが使えない場合は ErrDeviceUnavailable を返す
	Acquire(ctx context.Context) error

	// Release はストリームを停止する
	// 何度呼んでもよく、Acquire 前に呼んでもよい
	Release() error

	// CurrentFrame は最新のフレームを返す
	// 最初のフレームが届く前やデバイス喪失後は false を返す
	CurrentFrame() (Frame, bool)

	// Snapshot は最新フレームのJPEGをコピーして返す
	Snapshot() ([]byte, bool)

	// メタデータ
	GetInfo() VideoSourceInfo
	GetCurrentSettings() VideoSettings
	GetStatus() Status
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   // デバイスパス
	Name    string   // デバイス名
	Driver  string   // ドライバー名
	Formats []string // サポートされるフォーマット
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}
