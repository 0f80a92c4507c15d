package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"vipreception/internal/api"
	"vipreception/internal/camera"
	"vipreception/internal/codec"
	"vipreception/internal/config"
	"vipreception/internal/store"
	"vipreception/internal/stream"
)

// Handler はapi.ServerInterfaceを実装する
type Handler struct {
	config   *config.Config
	store    store.Store
	registry *stream.Registry
	codec    *codec.FrameCodec
	upgrader websocket.Upgrader
}

var _ api.ServerInterface = (*Handler)(nil)

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		// 受付端末のブラウザは別オリジンから接続する
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
	})
}

// GetStatus はセッション状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	stats := h.registry.Sessions()
	sessions := make([]api.SessionStatus, 0, len(stats))
	for _, st := range stats {
		sessions = append(sessions, convertSessionStats(st))
	}

	c.JSON(http.StatusOK, api.StatusResponse{
		Status:        api.Running,
		Sessions:      sessions,
		SkippedFrames: h.codec.Skipped(),
		Timestamp:     time.Now(),
	})
}

// GetCameras は有効なカメラの一覧取得エンドポイントの実装
func (h *Handler) GetCameras(c *gin.Context) {
	descs, err := h.store.Cameras(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("カメラ一覧の取得に失敗しました")
		errorResponse(c, http.StatusInternalServerError, "store_error", "カメラ一覧の取得に失敗しました")
		return
	}

	cameras := make([]api.CameraInfo, 0, len(descs))
	for _, d := range descs {
		if d.Active {
			cameras = append(cameras, convertDescriptor(d))
		}
	}
	c.JSON(http.StatusOK, api.CamerasResponse{Cameras: cameras})
}

// GetCamera はカメラ情報取得エンドポイントの実装
func (h *Handler) GetCamera(c *gin.Context, cameraID string) {
	desc, ok := h.lookupCamera(c, cameraID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, convertDescriptor(desc))
}

// UpdateCameraSource はソースロケータ変更エンドポイントの実装
// 配信中のセッションがあれば新しいソースで開き直す
func (h *Handler) UpdateCameraSource(c *gin.Context, cameraID string) {
	var req api.SourceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_request", "sourceを指定してください", err.Error())
		return
	}
	if _, err := camera.ParseLocator(req.Source); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_source", "ソースロケータが不正です", err.Error())
		return
	}

	desc, err := h.store.UpdateCameraSource(c.Request.Context(), cameraID, req.Source)
	if err != nil {
		h.storeError(c, cameraID, err)
		return
	}

	reopened := h.registry.Reconfigure(cameraID, req.Source)
	log.Info().Str("camera_id", cameraID).Str("source", req.Source).Bool("live", reopened).Msg("ソースを更新しました")
	c.JSON(http.StatusOK, convertDescriptor(desc))
}

// GetCameraStream は配信エンドポイント照会の実装
func (h *Handler) GetCameraStream(c *gin.Context, cameraID string) {
	desc, ok := h.lookupCamera(c, cameraID)
	if !ok {
		return
	}
	desc = desc.WithDefaults()
	w, ht := codec.ScaledSize(desc.Width, desc.Height, h.codec.MaxDimension())

	c.JSON(http.StatusOK, api.StreamInfo{
		CameraID:   desc.ID,
		CameraName: desc.Name,
		StreamPath: api.StreamPath(desc.ID),
		StreamType: api.StreamTypeWebSocket,
		Width:      w,
		Height:     ht,
		Fps:        desc.FPS,
		Format:     codec.Format,
	})
}

// StopCameraStream は配信停止エンドポイントの実装
func (h *Handler) StopCameraStream(c *gin.Context, cameraID string) {
	if err := h.registry.StopCamera(cameraID); err != nil {
		if errors.Is(err, stream.ErrSessionClosed) {
			errorResponse(c, http.StatusNotFound, "stream_not_found", "配信中のセッションがありません")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "internal_error", "配信の停止に失敗しました", err.Error())
		return
	}
	c.JSON(http.StatusOK, api.MessageResponse{Message: "配信を停止しました"})
}

// GetCameraWebSocket はWebSocket配信エンドポイントの実装
func (h *Handler) GetCameraWebSocket(c *gin.Context, cameraID string) {
	desc, ok := h.lookupCamera(c, cameraID)
	if !ok {
		return
	}
	if !desc.Active {
		errorResponse(c, http.StatusForbidden, "camera_not_active", "カメラがアクティブではありません")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("WebSocketへの切り替えに失敗しました")
		return
	}

	link := stream.NewLink(conn, cameraID, stream.LinkConfig{
		QueueDepth: h.config.Stream.QueueDepth,
		PingPeriod: h.config.Stream.PingPeriod,
		PongWait:   h.config.Stream.PongWait,
	})
	if err := h.registry.Attach(c.Request.Context(), cameraID, link); err != nil {
		log.Warn().Err(err).Str("camera_id", cameraID).Msg("セッションへの接続に失敗しました")
		link.Close("配信を開始できませんでした")
		link.Run()
		return
	}

	link.Run()
	h.registry.Detach(cameraID, link.ID())
}

// lookupCamera はカメラを取得し、失敗時はエラーレスポンスを書き込む
func (h *Handler) lookupCamera(c *gin.Context, cameraID string) (camera.Descriptor, bool) {
	desc, err := h.store.Camera(c.Request.Context(), cameraID)
	if err != nil {
		h.storeError(c, cameraID, err)
		return camera.Descriptor{}, false
	}
	return desc, true
}

func (h *Handler) storeError(c *gin.Context, cameraID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "camera_not_found", "指定されたカメラが見つかりません")
		return
	}
	log.Error().Err(err).Str("camera_id", cameraID).Msg("カメラの取得に失敗しました")
	errorResponse(c, http.StatusInternalServerError, "store_error", "カメラの取得に失敗しました")
}

// ヘルパー関数

// errorResponse は共通形式のエラーレスポンスを書き込む
func errorResponse(c *gin.Context, status int, code, message string, details ...string) {
	resp := api.ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if len(details) > 0 && details[0] != "" {
		resp.Details = &details[0]
	}
	c.JSON(status, resp)
}

// convertDescriptor はカメラディスクリプタをAPIの型に変換する
func convertDescriptor(d camera.Descriptor) api.CameraInfo {
	d = d.WithDefaults()
	return api.CameraInfo{
		ID:       d.ID,
		Name:     d.Name,
		Source:   d.Source,
		Location: d.Location,
		Active:   d.Active,
		Settings: api.CameraSettings{
			Fps:    d.FPS,
			Width:  d.Width,
			Height: d.Height,
		},
	}
}

// convertSessionStats はセッション統計をAPIの型に変換する
func convertSessionStats(st stream.SessionStats) api.SessionStatus {
	viewers := make([]api.ViewerStatus, 0, len(st.Viewers))
	for _, v := range st.Viewers {
		viewers = append(viewers, api.ViewerStatus{
			ID:            v.ID,
			ConnectedAt:   v.ConnectedAt,
			FramesSent:    v.FramesSent,
			FramesDropped: v.FramesDropped,
			RemoteAddr:    v.RemoteAddr,
		})
	}
	return api.SessionStatus{
		CameraID:        st.CameraID,
		State:           st.State.String(),
		TestMode:        st.TestMode,
		LastSeq:         st.LastSeq,
		FramesEncoded:   st.FramesEncoded,
		DispatchSkipped: st.DispatchSkipped,
		Detections:      st.Detections,
		StartedAt:       st.StartedAt,
		Viewers:         viewers,
	}
}
