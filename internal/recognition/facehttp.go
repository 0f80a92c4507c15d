package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPFaceMatcher は顔照合サービスにHTTPで問い合わせるFaceMatcher実装
type HTTPFaceMatcher struct {
	endpoint string
	client   *http.Client
}

var _ FaceMatcher = (*HTTPFaceMatcher)(nil)

// recognizeResponse は POST /api/v1/recognize の応答
type recognizeResponse struct {
	Success     bool `json:"success"`
	Recognition *struct {
		AttendeeID   int64   `json:"attendee_id"`
		Confidence   float64 `json:"confidence"`
		FaceLocation []int   `json:"face_location"` // top, right, bottom, left
	} `json:"recognition"`
	Message string `json:"message"`
}

// NewHTTPFaceMatcher は新しいHTTPFaceMatcherを作成する
func NewHTTPFaceMatcher(baseURL string, timeout time.Duration) *HTTPFaceMatcher {
	return &HTTPFaceMatcher{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/v1/recognize",
		client:   &http.Client{Timeout: timeout},
	}
}

// Match は画像をJPEGで送信し、照合結果を候補として返す
func (m *HTTPFaceMatcher) Match(ctx context.Context, img image.Image) ([]FaceCandidate, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("マルチパートの作成に失敗: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("マルチパートの作成に失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("顔照合サービスへの接続に失敗: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("顔照合サービスがエラーを返しました: status=%d body=%s", resp.StatusCode, msg)
	}

	var result recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("応答のデコードに失敗: %w", err)
	}
	if !result.Success || result.Recognition == nil {
		return nil, nil
	}

	c := FaceCandidate{
		SubjectID:  result.Recognition.AttendeeID,
		Confidence: result.Recognition.Confidence,
	}
	if loc := result.Recognition.FaceLocation; len(loc) == 4 {
		c.Region = &BoundingBox{Top: loc[0], Right: loc[1], Bottom: loc[2], Left: loc[3]}
	}
	return []FaceCandidate{c}, nil
}
