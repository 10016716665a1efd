// Package api 基于 gin 的运维与查询 HTTP 接口
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"trackgate/pkg/errs"
	"trackgate/pkg/gateway"
	"trackgate/pkg/logger"
	"trackgate/pkg/metrics"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/scheduler"
)

// Service 接口层依赖的网关能力
type Service interface {
	Providers() []string
	Search(ctx context.Context, provider, query string, opts core.SearchOptions) ([]core.Track, error)
	GetDetails(ctx context.Context, provider, id string) (core.Track, error)
	GetTrending(ctx context.Context, provider, region string, opts core.SearchOptions) ([]core.Track, error)
	InvalidateCache(ctx context.Context, pattern string) (int, error)
	GetMetrics() gateway.Metrics
	RunPrecacheNow(ctx context.Context) (scheduler.RunRecord, error)
	PrecacheHistory() []scheduler.RunRecord
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// TracksResponse 曲目列表响应
type TracksResponse struct {
	Provider string       `json:"provider"`
	Count    int          `json:"count"`
	Tracks   []core.Track `json:"tracks"`
}

// Server HTTP 服务
type Server struct {
	service Service
	metrics *metrics.Registry
	router  *gin.Engine
	server  *http.Server
	log     *logrus.Entry
}

// NewServer 创建 HTTP 服务并注册路由，metrics 为 nil 时不暴露 /metrics
func NewServer(service Service, reg *metrics.Registry) *Server {
	s := &Server{
		service: service,
		metrics: reg,
		log:     logger.WithComponent("api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(s.corsMiddleware())
	if s.metrics != nil {
		router.Use(s.metricsMiddleware())
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.GET("/health", s.healthCheck)

	v1 := router.Group("/api/v1")
	{
		providers := v1.Group("/providers/:provider")
		providers.GET("/search", s.search)
		providers.GET("/tracks/:id", s.getTrack)
		providers.GET("/trending", s.getTrending)

		v1.DELETE("/cache", s.invalidateCache)
		v1.GET("/stats", s.getStats)
		v1.POST("/precache/run", s.runPrecache)
		v1.GET("/precache/history", s.precacheHistory)
	}
	return router
}

// Handler 返回路由，测试和自定义 http.Server 使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 在后台监听 addr
func (s *Server) Start(addr string) error {
	if s.server != nil {
		return fmt.Errorf("server already started")
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithField("addr", addr).Info("HTTP 服务启动")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP 服务异常退出")
		}
	}()
	return nil
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.log.Info("HTTP 服务已关闭")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("请求处理失败")
			return
		}
		entry.Debug("请求完成")
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	m := s.service.GetMetrics()

	status := "ok"
	providers := make(map[string]string, len(m.Providers))
	for name, pm := range m.Providers {
		if pm.Healthy {
			providers[name] = "ok"
			continue
		}
		providers[name] = "unhealthy (breaker " + pm.BreakerState + ")"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"providers": providers,
	})
}

// searchOptions 解析 limit 和 region 查询参数
func searchOptions(c *gin.Context) (core.SearchOptions, error) {
	opts := core.SearchOptions{Region: c.Query("region")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return opts, errs.New(errs.CodeInvalidRequest, fmt.Sprintf("invalid limit %q", raw))
		}
		opts.Limit = limit
	}
	return opts, nil
}

func (s *Server) search(c *gin.Context) {
	name := c.Param("provider")
	opts, err := searchOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	tracks, err := s.service.Search(c.Request.Context(), name, c.Query("q"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TracksResponse{Provider: name, Count: len(tracks), Tracks: tracks})
}

func (s *Server) getTrack(c *gin.Context) {
	track, err := s.service.GetDetails(c.Request.Context(), c.Param("provider"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, track)
}

func (s *Server) getTrending(c *gin.Context) {
	name := c.Param("provider")
	opts, err := searchOptions(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	tracks, err := s.service.GetTrending(c.Request.Context(), name, opts.Region, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TracksResponse{Provider: name, Count: len(tracks), Tracks: tracks})
}

func (s *Server) invalidateCache(c *gin.Context) {
	pattern := c.Query("pattern")
	count, err := s.service.InvalidateCache(c.Request.Context(), pattern)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern": pattern, "invalidated": count})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.GetMetrics())
}

func (s *Server) runPrecache(c *gin.Context) {
	record, err := s.service.RunPrecacheNow(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) precacheHistory(c *gin.Context) {
	history := s.service.PrecacheHistory()
	if history == nil {
		history = []scheduler.RunRecord{}
	}
	c.JSON(http.StatusOK, history)
}

// fail 把网关错误映射为 HTTP 状态码
func (s *Server) fail(c *gin.Context, err error) {
	status, resp := errorResponse(err)
	if resp.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Warn("请求失败")
	}
	c.JSON(status, resp)
}

// errorResponse 响应体只携带错误代码和网关自己的描述，不暴露底层原因链
func errorResponse(err error) (int, ErrorResponse) {
	var resp ErrorResponse

	if errors.Is(err, scheduler.ErrPrecacheRunning) {
		resp.Error = "precache_running"
		resp.Message = err.Error()
		return http.StatusConflict, resp
	}

	var gwErr *errs.Error
	if !errors.As(err, &gwErr) {
		resp.Error = "internal_error"
		resp.Message = "internal error"
		return http.StatusInternalServerError, resp
	}

	resp.Error = string(gwErr.Code)
	resp.Message = gwErr.Message
	resp.Provider = gwErr.Provider
	if gwErr.RetryAfter > 0 {
		// 向上取整到秒
		resp.RetryAfter = int((gwErr.RetryAfter + time.Second - 1) / time.Second)
	}

	switch gwErr.Code {
	case errs.CodeInvalidRequest:
		return http.StatusBadRequest, resp
	case errs.CodeNotFound:
		return http.StatusNotFound, resp
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests, resp
	case errs.CodeQuotaExceeded:
		return http.StatusServiceUnavailable, resp
	case errs.CodeAuthFailed:
		return http.StatusBadGateway, resp
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout, resp
	case errs.CodeProviderUnavailable:
		if gwErr.BreakerOpen {
			return http.StatusServiceUnavailable, resp
		}
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}
