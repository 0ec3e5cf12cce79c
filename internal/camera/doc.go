// Package camera 解析対象の映像ソースを扱う
//
// # 責務
// - カメラまたは動画ファイルからのMJPEGストリーム取得
// - 最新フレームの保持と静止画の切り出し
// - デバイスの取り外し検出
// - V4L2デバイスの検出
//
// # 仕様
// - VideoSource: Acquire / Release でストリームのライフサイクルを管理
// - StreamSource: ffmpeg経由の実装。Release は冪等
// - WatchDevice: fsnotifyでデバイスファイルの削除を監視
// - LinuxDiscovery: /dev/video* の検出と実名取得
//
// # 前提要件
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
