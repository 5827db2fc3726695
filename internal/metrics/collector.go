// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 上游派发指标
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	failoverAttempts      prometheus.Histogram
	tokensUsed            *prometheus.CounterVec

	// 配额状态指标
	eligibleProviders prometheus.Gauge
	cooldownProviders prometheus.Gauge
	streamTruncations prometheus.Counter

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector 创建指标收集器（自带独立 registry，测试安全）。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.upstreamRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of upstream dispatches",
		},
		[]string{"provider", "outcome"},
	)

	c.upstreamDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	c.failoverAttempts = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "failover_attempts",
			Help:      "Attempts consumed per request",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens accounted",
		},
		[]string{"provider"},
	)

	c.eligibleProviders = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_providers",
			Help:      "Providers currently eligible for dispatch",
		},
	)

	c.cooldownProviders = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldown_providers",
			Help:      "Providers currently cooling down or penalized",
		},
	)

	c.streamTruncations = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_truncations_total",
			Help:      "Streams that failed after the first flushed byte",
		},
	)

	return c
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录一次入站请求。
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpstream 记录一次上游派发。outcome 为 success 或错误系列。
func (c *Collector) RecordUpstream(provider, outcome string, duration time.Duration) {
	c.upstreamRequestsTotal.WithLabelValues(provider, outcome).Inc()
	c.upstreamDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAttempts 记录一次请求消耗的尝试次数。
func (c *Collector) RecordAttempts(attempts int) {
	c.failoverAttempts.Observe(float64(attempts))
}

// RecordTokens 记录记账 token 数。
func (c *Collector) RecordTokens(provider string, tokens int64) {
	c.tokensUsed.WithLabelValues(provider).Add(float64(tokens))
}

// SetPoolGauges 更新配额池规模仪表。
func (c *Collector) SetPoolGauges(eligible, cooldown int) {
	c.eligibleProviders.Set(float64(eligible))
	c.cooldownProviders.Set(float64(cooldown))
}

// RecordStreamTruncation 记录一次首字节后的流截断。
func (c *Collector) RecordStreamTruncation() {
	c.streamTruncations.Inc()
}
