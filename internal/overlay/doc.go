// Package overlay 顔ランドマークを映像に重ねて描く
//
// グループごとのスタイルは固定の表で、実行中に変更できない。
// 描画そのものは Surface に任せる。gocv による実装は cvcanvas にある。
package overlay
