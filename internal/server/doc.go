// Package server は、ブラウザ向けのHTTPサーバーを提供します。
//
// 責務:
//   - 埋め込みページ（ライブ表示・操作ボタン・結果表示）の配信
//   - セッションの状態取得と遷移要求（解析開始・再解析）
//   - MJPEGによるライブ映像の配信
//   - WebSocketによるセッション状態の通知
//
// 仕様:
//   - ルーティングはginを使用
//   - WebSocketはgorilla/websocketを使用
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
