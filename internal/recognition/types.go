package recognition

import (
	"context"
	"image"
	"time"
)

// Method は識別方法
type Method string

const (
	MethodFace Method = "face"
	MethodCode Method = "code"
)

// BoundingBox は顔の検出領域 (top, right, bottom, left)
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// DetectionEvent は1回の認識処理の結果
type DetectionEvent struct {
	Kind       Method       `json:"method"`
	SubjectID  *int64       `json:"subject_id"`           // nilは検出したが該当者なし
	Confidence float64      `json:"confidence,omitempty"` // 顔のみ
	Region     *BoundingBox `json:"region,omitempty"`     // 顔のみ
	Payload    string       `json:"payload,omitempty"`    // コードのみ
	CameraID   string       `json:"camera_id"`
	Seq        uint64       `json:"frame_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Matched は該当者が特定されたかを返す
func (e *DetectionEvent) Matched() bool {
	return e != nil && e.SubjectID != nil
}

// FaceCandidate は顔照合の候補
type FaceCandidate struct {
	SubjectID  int64
	Confidence float64
	Region     *BoundingBox
}

// FaceMatcher は画像から顔照合の候補を返す外部機能
type FaceMatcher interface {
	Match(ctx context.Context, img image.Image) ([]FaceCandidate, error)
}

// CodeDecoder は画像からコード文字列を読み取る外部機能
// コードが見つからない場合は空文字列を返す
type CodeDecoder interface {
	Decode(ctx context.Context, img image.Image) (string, error)
}

// SubjectResolver はコード文字列を来場者IDに解決する
type SubjectResolver interface {
	SubjectByCode(ctx context.Context, code string) (int64, bool, error)
}
