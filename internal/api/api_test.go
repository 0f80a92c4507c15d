package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGetSwagger(t *testing.T) {
	doc, err := GetSwagger()
	if err != nil {
		t.Fatalf("GetSwagger failed: %v", err)
	}

	paths := []string{
		"/health",
		"/api/status",
		"/api/cameras",
		"/api/cameras/{cameraId}",
		"/api/cameras/{cameraId}/source",
		"/api/cameras/{cameraId}/stream",
		"/ws/stream/{cameraId}",
	}
	for _, p := range paths {
		if doc.Paths.Find(p) == nil {
			t.Errorf("path %s is not defined", p)
		}
	}
	if _, ok := doc.Components.Schemas["ErrorResponse"]; !ok {
		t.Error("ErrorResponse schema is not defined")
	}
}

// recordingHandler は呼ばれた操作とカメラIDを記録する
type recordingHandler struct {
	op       string
	cameraID string
}

func (h *recordingHandler) record(c *gin.Context, op, id string) {
	h.op, h.cameraID = op, id
	c.Status(http.StatusNoContent)
}

func (h *recordingHandler) HealthCheck(c *gin.Context) {
	h.record(c, "health", "")
}
func (h *recordingHandler) GetStatus(c *gin.Context) {
	h.record(c, "status", "")
}
func (h *recordingHandler) GetCameras(c *gin.Context) {
	h.record(c, "cameras", "")
}
func (h *recordingHandler) GetCamera(c *gin.Context, id string) {
	h.record(c, "camera", id)
}
func (h *recordingHandler) UpdateCameraSource(c *gin.Context, id string) {
	h.record(c, "source", id)
}
func (h *recordingHandler) GetCameraStream(c *gin.Context, id string) {
	h.record(c, "stream", id)
}
func (h *recordingHandler) StopCameraStream(c *gin.Context, id string) {
	h.record(c, "stop", id)
}
func (h *recordingHandler) GetCameraWebSocket(c *gin.Context, id string) {
	h.record(c, "ws", id)
}

func TestRegisterHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		method   string
		path     string
		wantOp   string
		wantID   string
		wantCode int
	}{
		{http.MethodGet, "/health", "health", "", http.StatusNoContent},
		{http.MethodGet, "/api/status", "status", "", http.StatusNoContent},
		{http.MethodGet, "/api/cameras", "cameras", "", http.StatusNoContent},
		{http.MethodGet, "/api/cameras/entrance", "camera", "entrance", http.StatusNoContent},
		{http.MethodPut, "/api/cameras/entrance/source", "source", "entrance", http.StatusNoContent},
		{http.MethodGet, "/api/cameras/entrance/stream", "stream", "entrance", http.StatusNoContent},
		{http.MethodDelete, "/api/cameras/entrance/stream", "stop", "entrance", http.StatusNoContent},
		{http.MethodGet, "/ws/stream/lobby%201", "ws", "lobby 1", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			h := &recordingHandler{}
			router := gin.New()
			RegisterHandlers(router, h)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Errorf("status: got %d, want %d", w.Code, tt.wantCode)
			}
			if h.op != tt.wantOp || h.cameraID != tt.wantID {
				t.Errorf("got (%s, %q), want (%s, %q)", h.op, h.cameraID, tt.wantOp, tt.wantID)
			}
		})
	}
}

func TestMiddlewareAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)

	h := &recordingHandler{}
	router := gin.New()
	RegisterHandlersWithOptions(router, h, GinServerOptions{
		Middlewares: []MiddlewareFunc{func(c *gin.Context) {
			c.AbortWithStatus(http.StatusForbidden)
		}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cameras/x", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", w.Code)
	}
	if h.op != "" {
		t.Errorf("handler should not be called, got %s", h.op)
	}
}

func TestStreamPath(t *testing.T) {
	if got := StreamPath("entrance"); got != "/ws/stream/entrance" {
		t.Errorf("StreamPath: got %s", got)
	}
}
