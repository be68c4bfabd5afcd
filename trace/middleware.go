package trace

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// GinMiddleware 为每个请求创建 Server Span，名称取路由模板。
// skipPaths 中的路径（健康检查、指标抓取）不产生 Span。
func GinMiddleware(serviceName string, skipPaths ...string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		return !slices.Contains(skipPaths, r.URL.Path)
	}))
}
