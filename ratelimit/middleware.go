package ratelimit

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/lookupd/metrics"
	"github.com/ceyewan/lookupd/xerrors"
)

// GinMiddlewareOptions Gin 中间件选项
type GinMiddlewareOptions struct {
	// KeyFunc 提取限流键，默认使用客户端 IP；返回空串时放行
	KeyFunc func(*gin.Context) string

	// LimitFunc 返回本次请求的规则；无效规则时放行
	LimitFunc func(*gin.Context) Limit
}

// GinMiddleware 创建 Gin 限流中间件，被限流时返回 429
func GinMiddleware(limiter Limiter, opts *GinMiddlewareOptions) gin.HandlerFunc {
	keyFunc := func(c *gin.Context) string { return c.ClientIP() }
	var limitFunc func(*gin.Context) Limit
	if opts != nil {
		if opts.KeyFunc != nil {
			keyFunc = opts.KeyFunc
		}
		limitFunc = opts.LimitFunc
	}

	return func(c *gin.Context) {
		if limiter == nil || limitFunc == nil {
			c.Next()
			return
		}
		key := keyFunc(c)
		limit := limitFunc(c)
		if key == "" || !limit.Enabled() {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 限流器故障时放行
			c.Next()
			return
		}
		if !allowed {
			c.Set(metrics.ErrorCodeKey, xerrors.GetCode(ErrRateLimited))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  xerrors.GetCode(ErrRateLimited),
				"error": ErrRateLimited.Error(),
			})
			return
		}
		c.Next()
	}
}
