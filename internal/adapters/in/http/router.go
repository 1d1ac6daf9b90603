package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EthanQC/presence/pkg/zlog"
)

// Registrar 能把自己挂到路由组上的控制器
type Registrar interface {
	RegisterRoutes(r *gin.RouterGroup)
}

// NewEngine 创建带访问日志、健康检查、指标和日志级别接口的 gin 引擎
// 业务控制器挂在 /api/v1 下
func NewEngine(gatherer prometheus.Gatherer, controllers ...Registrar) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), zlog.GinLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	level := gin.WrapF(zlog.LevelHTTPHandler())
	r.GET("/log/level", level)
	r.PUT("/log/level", level)

	api := r.Group("/api/v1")
	for _, c := range controllers {
		c.RegisterRoutes(api)
	}
	return r
}
