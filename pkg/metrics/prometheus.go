// Package metrics 导出网关的 Prometheus 指标，并把配额快照写入 InfluxDB。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"trackgate/pkg/cache"
	"trackgate/pkg/quota"
)

const namespace = "trackgate"

// Registry 网关指标，每个实例使用独立的 prometheus.Registry
type Registry struct {
	reg *prometheus.Registry

	requestTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	httpDuration     *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	breakerState     *prometheus.GaugeVec
	breakerChanges   *prometheus.CounterVec
	quotaConsumed    *prometheus.GaugeVec
	quotaRemaining   *prometheus.GaugeVec
	quotaPercent     *prometheus.GaugeVec
	quotaProjected   *prometheus.GaugeVec
	precacheRuns     *prometheus.CounterVec
	precacheQueries  *prometheus.CounterVec
}

// NewRegistry 创建指标注册表
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Gateway operations by provider, endpoint and outcome",
		}, []string{"provider", "endpoint", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Gateway operation latency including cache lookups",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Operator API request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Operator API requests being served",
		}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"provider", "to"}),
		quotaConsumed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_consumed_units",
			Help:      "Quota units consumed today",
		}, []string{"provider"}),
		quotaRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining_units",
			Help:      "Quota units remaining today (-1 when unbudgeted)",
		}, []string{"provider"}),
		quotaPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_used_percent",
			Help:      "Percentage of the daily quota consumed",
		}, []string{"provider"}),
		quotaProjected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_projected_units",
			Help:      "Projected quota usage for the whole day",
		}, []string{"provider"}),
		precacheRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_runs_total",
			Help:      "Precache runs by result",
		}, []string{"provider", "result"}),
		precacheQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_queries_total",
			Help:      "Precache queries by result",
		}, []string{"provider", "result"}),
	}
}

// RegisterCache 以 CounterFunc 的形式导出缓存统计
func (r *Registry) RegisterCache(stats func() cache.Stats) {
	counter := func(name, help string, value func(cache.Stats) int64) {
		r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) }))
	}
	counter("hits_total", "Cache hits", func(s cache.Stats) int64 { return s.Hits })
	counter("misses_total", "Cache misses", func(s cache.Stats) int64 { return s.Misses })
	counter("fallback_hits_total", "Hits served by the in-process fallback", func(s cache.Stats) int64 { return s.FallbackHits })
	counter("sets_total", "Cache writes", func(s cache.Stats) int64 { return s.Sets })
	counter("invalidations_total", "Invalidated entries", func(s cache.Stats) int64 { return s.Invalidations })
	counter("backend_errors_total", "Cache backend failures", func(s cache.Stats) int64 { return s.BackendErrors })

	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "hit_rate",
		Help:      "Cache hit rate since start",
	}, func() float64 { return stats().HitRate }))
}

// ObserveRequest 记录一次网关操作
func (r *Registry) ObserveRequest(provider, endpoint, outcome string, duration time.Duration) {
	r.requestTotal.WithLabelValues(provider, endpoint, outcome).Inc()
	r.requestDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// ObserveHTTP 记录一次 HTTP 请求
func (r *Registry) ObserveHTTP(method, route, status string, duration time.Duration) {
	r.httpDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

// IncInFlight 进行中的 HTTP 请求加一
func (r *Registry) IncInFlight() {
	r.requestsInFlight.Inc()
}

// DecInFlight 进行中的 HTTP 请求减一
func (r *Registry) DecInFlight() {
	r.requestsInFlight.Dec()
}

// SetBreakerState 更新熔断器状态
func (r *Registry) SetBreakerState(provider string, state gobreaker.State) {
	r.breakerState.WithLabelValues(provider).Set(float64(state))
}

// BreakerTransition 记录熔断器状态变化
func (r *Registry) BreakerTransition(provider string, to gobreaker.State) {
	r.breakerChanges.WithLabelValues(provider, to.String()).Inc()
	r.SetBreakerState(provider, to)
}

// SetQuota 更新配额指标
func (r *Registry) SetQuota(s quota.Snapshot) {
	r.quotaConsumed.WithLabelValues(s.Provider).Set(float64(s.Consumed))
	r.quotaRemaining.WithLabelValues(s.Provider).Set(float64(s.Remaining))
	r.quotaPercent.WithLabelValues(s.Provider).Set(s.PercentUsed)
	r.quotaProjected.WithLabelValues(s.Provider).Set(s.Projected)
}

// ObservePrecache 记录一次预缓存运行
func (r *Registry) ObservePrecache(provider, result string, warmed, alreadyCached, failed int) {
	r.precacheRuns.WithLabelValues(provider, result).Inc()
	r.precacheQueries.WithLabelValues(provider, "warmed").Add(float64(warmed))
	r.precacheQueries.WithLabelValues(provider, "already_cached").Add(float64(alreadyCached))
	r.precacheQueries.WithLabelValues(provider, "failed").Add(float64(failed))
}

// Gatherer 返回底层注册表，测试使用
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler 返回 /metrics 处理器
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
