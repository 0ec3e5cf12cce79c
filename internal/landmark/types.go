package landmark

import (
	"context"
	"errors"
)

var (
	// ErrModelLoad は推論モデルの初期化に失敗したことを表す
	ErrModelLoad = errors.New("ランドマークモデルの読み込みに失敗")

	// ErrInference は1回の推論に失敗したことを表す
	ErrInference = errors.New("ランドマーク推論に失敗")

	// ErrWorkerExited はワーカープロセスが使えなくなったことを表す
	// 再度 Open するまで推論できない
	ErrWorkerExited = errors.New("ランドマークワーカーが終了しています")
)

// 接続グループ名
const (
	GroupTesselation  = "tesselation"
	GroupRightEye     = "right_eye"
	GroupRightEyebrow = "right_eyebrow"
	GroupLeftEye      = "left_eye"
	GroupLeftEyebrow  = "left_eyebrow"
	GroupFaceOval     = "face_oval"
	GroupLips         = "lips"
)

// Point は正規化された画像座標 (0..1) 上の1点
type Point struct {
	X float64
	Y float64
	Z float64
}

// Connection は2つのランドマークを結ぶ線分のインデックス
type Connection struct {
	Start int
	End   int
}

// Topology はグループ名から接続一覧への対応
// 検出器の読み込み時に決まり、以後変わらない
type Topology map[string][]Connection

// Result は1回の推論結果
// Faces は検出した顔ごとのランドマーク列。顔が無ければ空。
type Result struct {
	Faces [][]Point
}

// Detector はランドマーク推論を行う
type Detector interface {
	// Detect はJPEG画像からランドマークを検出する
	// timestampMs は呼び出しごとに単調増加していること
	Detect(ctx context.Context, jpeg []byte, timestampMs int64) (Result, error)

	// Topology は接続グループを返す
	Topology() Topology

	// Close はモデルを解放する
	Close() error
}

// Opener は新しい Detector を読み込む
// 失敗した場合は ErrModelLoad をラップしたエラーを返す
type Opener func(ctx context.Context) (Detector, error)
