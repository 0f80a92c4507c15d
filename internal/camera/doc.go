// Package camera 映像ソースの抽象化を担う
//
// # 責務
// - カメラディスクリプタとソースロケータの解析
// - デバイス、ネットワークストリーム、テストパターンの各FrameSource実装
// - ローカルデバイスの検出
// - ソースを開けない場合のテストパターンへの置き換え
//
// # 仕様
// - ロケータの書式でソース種別を選択する ("0", "/dev/video0", "rtsp://...", "test:bars")
// - デバイスとネットワークストリームはffmpegサブプロセスでMJPEGに変換して読み取る
// - RTSPは並べ替えを避けるためTCPトランスポートを要求する
// - 起動タイムアウト内にフレームが得られないソースはErrSourceUnavailableとなる
// - テストパターンは設定されたフレームレートでカラーバーまたはプレースホルダーを生成し、失敗しない
//
// # 前提要件
//   - ffmpeg: デバイスとネットワークストリームの読み取りに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
