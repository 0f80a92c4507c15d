// Package server は、HTTPサーバーとWebSocket配信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// WebSocket接続の受付、各コンポーネントの組み立てを担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - OpenAPI定義に基づくリクエストの検証
//   - WebSocket接続の確立とセッションへの登録
//   - カメラ情報の照会とソースの再設定
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - エラーは {error, message, details, timestamp} の共通形式で返す
//   - シャットダウン時は全セッションを停止してから終了する
package server
