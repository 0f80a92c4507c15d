package stream

import (
	"time"

	"github.com/goccy/go-json"

	"vipreception/internal/codec"
	"vipreception/internal/recognition"
)

// サーバーからクライアントへのメッセージ種別
const (
	TypeConnected         = "connected"
	TypeStreamInfo        = "stream_info"
	TypeFrame             = "frame"
	TypeRecognitionUpdate = "recognition_update"
	TypeStatus            = "status"
	TypeError             = "error"
	TypePong              = "pong"
	TypePing              = "ping"
)

// ConnectedMessage は接続直後に送る
type ConnectedMessage struct {
	Type       string `json:"type"`
	CameraID   string `json:"camera_id"`
	CameraName string `json:"camera_name"`
	TestMode   bool   `json:"test_mode"`
}

// StreamInfoMessage は配信フレームの形式を通知する
type StreamInfoMessage struct {
	Type     string `json:"type"`
	CameraID string `json:"camera_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FPS      int    `json:"fps"`
	Format   string `json:"format"`
}

// FrameMessage は1フレーム。Dataはbase64で符号化される
type FrameMessage struct {
	Type      string    `json:"type"`
	CameraID  string    `json:"camera_id"`
	FrameID   uint64    `json:"frame_id"`
	Data      []byte    `json:"data"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	TestMode  bool      `json:"test_mode"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognitionUpdateMessage は認識結果を通知する
type RecognitionUpdateMessage struct {
	Type       string                       `json:"type"`
	CameraID   string                       `json:"camera_id"`
	Detections []recognition.DetectionEvent `json:"detections"`
}

// StatusMessage はセッション状態の変化を通知する
type StatusMessage struct {
	Type     string       `json:"type"`
	CameraID string       `json:"camera_id"`
	State    SessionState `json:"state"`
	TestMode bool         `json:"test_mode"`
}

// ErrorMessage はエラーを通知する
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMessage はクライアントのpingへの応答
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ClientMessage はクライアントからのメッセージ
type ClientMessage struct {
	Type string `json:"type"`
}

// Envelope はViewerLinkに渡す符号化済みメッセージ
// 全ViewerLinkで共有されるため、Dataは変更しない
type Envelope struct {
	Seq   uint64 // このメッセージが後に続くべきフレームの通し番号
	Frame bool
	Data  []byte
}

func encode(seq uint64, v interface{}) Envelope {
	data, err := json.Marshal(v)
	if err != nil {
		// 全て固定の構造体なので失敗しない
		panic(err)
	}
	return Envelope{Seq: seq, Data: data}
}

func frameEnvelope(cameraID string, wf *codec.WireFrame) Envelope {
	env := encode(wf.Seq, FrameMessage{
		Type:      TypeFrame,
		CameraID:  cameraID,
		FrameID:   wf.Seq,
		Data:      wf.Data,
		Width:     wf.Width,
		Height:    wf.Height,
		TestMode:  wf.TestMode,
		Timestamp: wf.Timestamp,
	})
	env.Frame = true
	return env
}

func errorEnvelope(seq uint64, message string) Envelope {
	return encode(seq, ErrorMessage{Type: TypeError, Message: message})
}

func pongEnvelope(now time.Time) Envelope {
	return encode(0, PongMessage{Type: TypePong, Timestamp: now.UnixMilli()})
}
