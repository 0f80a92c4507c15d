package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface はREST APIのハンドラ
type ServerInterface interface {
	// (GET /health)
	HealthCheck(c *gin.Context)
	// (GET /api/status)
	GetStatus(c *gin.Context)
	// (GET /api/cameras)
	GetCameras(c *gin.Context)
	// (GET /api/cameras/{cameraId})
	GetCamera(c *gin.Context, cameraID string)
	// (PUT /api/cameras/{cameraId}/source)
	UpdateCameraSource(c *gin.Context, cameraID string)
	// (GET /api/cameras/{cameraId}/stream)
	GetCameraStream(c *gin.Context, cameraID string)
	// (DELETE /api/cameras/{cameraId}/stream)
	StopCameraStream(c *gin.Context, cameraID string)
	// (GET /ws/stream/{cameraId})
	GetCameraWebSocket(c *gin.Context, cameraID string)
}

// MiddlewareFunc はハンドラの前に実行される
type MiddlewareFunc func(c *gin.Context)

// GinServerOptions はルート登録のオプション
type GinServerOptions struct {
	BaseURL      string
	Middlewares  []MiddlewareFunc
	ErrorHandler func(*gin.Context, error, int)
}

// ServerInterfaceWrapper はパスパラメータを型付きで取り出してハンドラを呼ぶ
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandler       func(*gin.Context, error, int)
}

func (w *ServerInterfaceWrapper) runMiddlewares(c *gin.Context) bool {
	for _, middleware := range w.HandlerMiddlewares {
		middleware(c)
		if c.IsAborted() {
			return false
		}
	}
	return true
}

func (w *ServerInterfaceWrapper) cameraID(c *gin.Context) (string, bool) {
	var cameraID string
	err := runtime.BindStyledParameterWithOptions("simple", "cameraId", c.Param("cameraId"), &cameraID,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		w.ErrorHandler(c, fmt.Errorf("パラメータ cameraId の形式が不正です: %w", err), http.StatusBadRequest)
		return "", false
	}
	return cameraID, true
}

// HealthCheck operation middleware
func (w *ServerInterfaceWrapper) HealthCheck(c *gin.Context) {
	if w.runMiddlewares(c) {
		w.Handler.HealthCheck(c)
	}
}

// GetStatus operation middleware
func (w *ServerInterfaceWrapper) GetStatus(c *gin.Context) {
	if w.runMiddlewares(c) {
		w.Handler.GetStatus(c)
	}
}

// GetCameras operation middleware
func (w *ServerInterfaceWrapper) GetCameras(c *gin.Context) {
	if w.runMiddlewares(c) {
		w.Handler.GetCameras(c)
	}
}

// GetCamera operation middleware
func (w *ServerInterfaceWrapper) GetCamera(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if ok && w.runMiddlewares(c) {
		w.Handler.GetCamera(c, cameraID)
	}
}

// UpdateCameraSource operation middleware
func (w *ServerInterfaceWrapper) UpdateCameraSource(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if ok && w.runMiddlewares(c) {
		w.Handler.UpdateCameraSource(c, cameraID)
	}
}

// GetCameraStream operation middleware
func (w *ServerInterfaceWrapper) GetCameraStream(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if ok && w.runMiddlewares(c) {
		w.Handler.GetCameraStream(c, cameraID)
	}
}

// StopCameraStream operation middleware
func (w *ServerInterfaceWrapper) StopCameraStream(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if ok && w.runMiddlewares(c) {
		w.Handler.StopCameraStream(c, cameraID)
	}
}

// GetCameraWebSocket operation middleware
func (w *ServerInterfaceWrapper) GetCameraWebSocket(c *gin.Context) {
	cameraID, ok := w.cameraID(c)
	if ok && w.runMiddlewares(c) {
		w.Handler.GetCameraWebSocket(c, cameraID)
	}
}

// RegisterHandlers はルートを登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	RegisterHandlersWithOptions(router, si, GinServerOptions{})
}

// RegisterHandlersWithOptions はオプション付きでルートを登録する
func RegisterHandlersWithOptions(router gin.IRouter, si ServerInterface, options GinServerOptions) {
	errorHandler := options.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(c *gin.Context, err error, statusCode int) {
			c.JSON(statusCode, gin.H{"msg": err.Error()})
		}
	}

	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandler:       errorHandler,
	}

	base := options.BaseURL
	router.GET(base+"/health", wrapper.HealthCheck)
	router.GET(base+"/api/status", wrapper.GetStatus)
	router.GET(base+"/api/cameras", wrapper.GetCameras)
	router.GET(base+"/api/cameras/:cameraId", wrapper.GetCamera)
	router.PUT(base+"/api/cameras/:cameraId/source", wrapper.UpdateCameraSource)
	router.GET(base+"/api/cameras/:cameraId/stream", wrapper.GetCameraStream)
	router.DELETE(base+"/api/cameras/:cameraId/stream", wrapper.StopCameraStream)
	router.GET(base+"/ws/stream/:cameraId", wrapper.GetCameraWebSocket)
}
