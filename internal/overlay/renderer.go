package overlay

import (
	"image"
	"image/color"

	"faceage/internal/landmark"
)

// defaultLineWidth は線幅を指定しないグループの線幅
const defaultLineWidth = 4

// Style は1グループの描画スタイル
type Style struct {
	Color color.RGBA
	Width int
}

// Group は描画するグループとそのスタイル
type Group struct {
	Name  string
	Style Style
}

var (
	colorMesh  = color.RGBA{R: 0x35, G: 0x2e, B: 0x42, A: 0xff}
	colorWhite = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	colorBlack = color.RGBA{A: 0xff}
)

// groups は描画順に並べた固定のスタイル表
var groups = []Group{
	{landmark.GroupTesselation, Style{colorMesh, 1}},
	{landmark.GroupRightEye, Style{colorWhite, defaultLineWidth}},
	{landmark.GroupRightEyebrow, Style{colorBlack, defaultLineWidth}},
	{landmark.GroupLeftEye, Style{colorWhite, defaultLineWidth}},
	{landmark.GroupLeftEyebrow, Style{colorBlack, defaultLineWidth}},
	{landmark.GroupFaceOval, Style{colorMesh, defaultLineWidth}},
	{landmark.GroupLips, Style{colorWhite, defaultLineWidth}},
}

// Groups は描画順のスタイル表のコピーを返す
func Groups() []Group {
	return append([]Group(nil), groups...)
}

// Segment はピクセル座標上の線分
type Segment struct {
	From image.Point
	To   image.Point
}

// Surface はオーバーレイの描画先
type Surface interface {
	// Reset は描画面を指定サイズにして消去する
	Reset(width, height int)

	// DrawSegments は線分をまとめて描く
	DrawSegments(segments []Segment, style Style)

	// Compose はJPEGフレームに描画面を重ねてJPEGで返す
	Compose(frame []byte) ([]byte, error)

	// Close はネイティブ資源を解放する
	Close() error
}

// Render は描画面をフレームサイズで消去し、全ての顔の全グループを描く
// トポロジに無いグループは飛ばす
func Render(s Surface, width, height int, topology landmark.Topology, faces [][]landmark.Point) {
	s.Reset(width, height)

	for _, face := range faces {
		for _, g := range groups {
			conns, ok := topology[g.Name]
			if !ok {
				continue
			}
			segments := Project(face, conns, width, height)
			if len(segments) == 0 {
				continue
			}
			s.DrawSegments(segments, g.Style)
		}
	}
}

// Project は正規化座標の接続をピクセル座標の線分に変換する
// 範囲外のインデックスを含む接続は捨てる
func Project(points []landmark.Point, conns []landmark.Connection, width, height int) []Segment {
	segments := make([]Segment, 0, len(conns))
	for _, c := range conns {
		if c.Start < 0 || c.End < 0 || c.Start >= len(points) || c.End >= len(points) {
			continue
		}
		segments = append(segments, Segment{
			From: toPixel(points[c.Start], width, height),
			To:   toPixel(points[c.End], width, height),
		})
	}
	return segments
}

func toPixel(p landmark.Point, width, height int) image.Point {
	return image.Point{
		X: int(p.X*float64(width) + 0.5),
		Y: int(p.Y*float64(height) + 0.5),
	}
}
