// Package cvcanvas gocvを使った overlay.Surface 実装
package cvcanvas

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"faceage/internal/overlay"
)

var maskColor = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}

// Canvas はオーバーレイ用の描画面
// 線はオーバーレイとマスクの両方に描き、合成時にマスクの部分だけをフレームへ写す
type Canvas struct {
	overlay gocv.Mat
	mask    gocv.Mat
	width   int
	height  int
	quality int
}

// New は新しいCanvasを作成する
func New(quality int) *Canvas {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Canvas{
		overlay: gocv.NewMat(),
		mask:    gocv.NewMat(),
		quality: quality,
	}
}

// Reset は描画面を指定サイズにして消去する
func (c *Canvas) Reset(width, height int) {
	if width != c.width || height != c.height || c.overlay.Empty() {
		c.overlay.Close()
		c.mask.Close()
		c.overlay = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
		c.mask = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
		c.width, c.height = width, height
	}
	c.overlay.SetTo(gocv.NewScalar(0, 0, 0, 0))
	c.mask.SetTo(gocv.NewScalar(0, 0, 0, 0))
}

// DrawSegments は線分を描く
func (c *Canvas) DrawSegments(segments []overlay.Segment, style overlay.Style) {
	if c.overlay.Empty() {
		return
	}
	for _, s := range segments {
		gocv.Line(&c.overlay, s.From, s.To, style.Color, style.Width)
		gocv.Line(&c.mask, s.From, s.To, maskColor, style.Width)
	}
}

// Compose はJPEGフレームにオーバーレイを重ねてJPEGで返す
func (c *Canvas) Compose(frame []byte) ([]byte, error) {
	img, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("フレームのデコードに失敗: 空の画像")
	}

	if !c.overlay.Empty() {
		if img.Cols() == c.width && img.Rows() == c.height {
			c.overlay.CopyToWithMask(&img, c.mask)
		} else {
			// フレームと描画面のサイズが違う場合は描画面を合わせる
			size := image.Pt(img.Cols(), img.Rows())
			scaled := gocv.NewMat()
			defer scaled.Close()
			scaledMask := gocv.NewMat()
			defer scaledMask.Close()
			gocv.Resize(c.overlay, &scaled, size, 0, 0, gocv.InterpolationNearestNeighbor)
			gocv.Resize(c.mask, &scaledMask, size, 0, 0, gocv.InterpolationNearestNeighbor)
			scaled.CopyToWithMask(&img, scaledMask)
		}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, c.quality})
	if err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	defer buf.Close()

	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// Close はネイティブ資源を解放する
func (c *Canvas) Close() error {
	if err := c.overlay.Close(); err != nil {
		return err
	}
	return c.mask.Close()
}
