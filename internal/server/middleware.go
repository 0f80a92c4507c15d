package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// requestLogger はリクエストごとにアクセスログを出力する
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			evt = log.Error()
		case status >= http.StatusBadRequest:
			evt = log.Warn()
		case c.Request.URL.Path == "/health":
			evt = log.Debug()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("リクエスト")
	}
}

// requestValidator はOpenAPI定義に従ってリクエストを検証する
// 定義にないパスは検証せずに通す
func requestValidator(doc *openapi3.T) (gin.HandlerFunc, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			if errors.Is(err, routers.ErrMethodNotAllowed) {
				errorResponse(c, http.StatusMethodNotAllowed, "method_not_allowed", "許可されていないメソッドです")
				c.Abort()
				return
			}
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    &openapi3filter.Options{MultiError: false},
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid_request", "リクエストが不正です", err.Error())
			c.Abort()
			return
		}
		c.Next()
	}, nil
}
