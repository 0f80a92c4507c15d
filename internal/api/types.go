// Package api はREST APIの型、ルート登録、OpenAPI定義を提供する
package api

import "time"

// HealthResponseStatus はヘルスチェックの状態
type HealthResponseStatus string

// StatusResponseStatus はシステムの状態
type StatusResponseStatus string

const (
	Healthy HealthResponseStatus = "healthy"
	Running StatusResponseStatus = "running"
)

// StreamTypeWebSocket はWebSocket配信を表す
const StreamTypeWebSocket = "websocket"

// HealthResponse defines model for HealthResponse.
type HealthResponse struct {
	Status    HealthResponseStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

// StatusResponse defines model for StatusResponse.
type StatusResponse struct {
	Status        StatusResponseStatus `json:"status"`
	Sessions      []SessionStatus      `json:"sessions"`
	SkippedFrames uint64               `json:"skipped_frames"`
	Timestamp     time.Time            `json:"timestamp"`
}

// SessionStatus defines model for SessionStatus.
type SessionStatus struct {
	CameraID        string         `json:"camera_id"`
	State           string         `json:"state"`
	TestMode        bool           `json:"test_mode"`
	LastSeq         uint64         `json:"last_seq"`
	FramesEncoded   uint64         `json:"frames_encoded"`
	DispatchSkipped uint64         `json:"dispatch_skipped"`
	Detections      uint64         `json:"detections"`
	StartedAt       time.Time      `json:"started_at"`
	Viewers         []ViewerStatus `json:"viewers"`
}

// ViewerStatus defines model for ViewerStatus.
type ViewerStatus struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
}

// CameraSettings defines model for CameraSettings.
type CameraSettings struct {
	Fps    int `json:"fps"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CameraInfo defines model for CameraInfo.
type CameraInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Source   string         `json:"source"`
	Location string         `json:"location,omitempty"`
	Active   bool           `json:"active"`
	Settings CameraSettings `json:"settings"`
}

// CamerasResponse defines model for CamerasResponse.
type CamerasResponse struct {
	Cameras []CameraInfo `json:"cameras"`
}

// StreamInfo defines model for StreamInfo.
type StreamInfo struct {
	CameraID   string `json:"camera_id"`
	CameraName string `json:"camera_name"`
	StreamPath string `json:"stream_path"`
	StreamType string `json:"stream_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Fps        int    `json:"fps"`
	Format     string `json:"format"`
}

// SourceUpdateRequest defines model for SourceUpdateRequest.
type SourceUpdateRequest struct {
	Source string `json:"source" binding:"required"`
}

// MessageResponse defines model for MessageResponse.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse defines model for ErrorResponse.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamPath はカメラのWebSocket配信パスを返す
func StreamPath(cameraID string) string {
	return "/ws/stream/" + cameraID
}
