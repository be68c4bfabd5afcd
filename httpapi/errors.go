package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.NewKind(xerrors.ErrInvalidInput, "HTTPAPI_INVALID_CONFIG", "invalid http api config")

	// ErrBadRequest 请求体或路径参数无法解析
	ErrBadRequest = xerrors.NewKind(xerrors.ErrInvalidInput, "BAD_REQUEST", "bad request")
)

// statusOf 按错误类别映射 HTTP 状态码
func statusOf(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.ErrNotFound:
		return http.StatusNotFound
	case xerrors.ErrInvalidInput:
		return http.StatusBadRequest
	case xerrors.ErrConflict:
		return http.StatusConflict
	case xerrors.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody 错误响应体
type errorBody struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func bodyOf(err error) *errorBody {
	return &errorBody{Code: xerrors.GetCode(err), Error: err.Error()}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			clog.String("route", c.FullPath()), clog.Error(err))
	}
	body := bodyOf(err)
	c.Set(metrics.ErrorCodeKey, body.Code)
	c.AbortWithStatusJSON(status, body)
}
