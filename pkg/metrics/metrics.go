// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
//
// HTTPリクエスト数と処理時間、拒否数、ソケットの受け入れ結果と接続数を計測する。
// メトリクスはサービスごとの専用レジストリに登録するため、
// 同一プロセス内で複数のインスタンスを生成しても衝突しない。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace はメトリクス名の接頭辞。
const namespace = "maitri_gateway"

// Metrics はゲートウェイのメトリクス一式を保持する。
type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rejections        *prometheus.CounterVec
	admissions        *prometheus.CounterVec
	activeConnections prometheus.Gauge
}

// New は新しいメトリクス一式を生成し、専用レジストリに登録する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "処理したHTTPリクエスト数。",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTPリクエストの処理時間。",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "ゲートウェイで拒否したリクエスト・接続の数。",
		}, []string{"transport", "code"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_admissions_total",
			Help:      "ソケット接続の受け入れ判定の結果。",
		}, []string{"result"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_active_connections",
			Help:      "登録済みのソケット接続数。",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.rejections,
		m.admissions,
		m.activeConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler はPrometheus形式でメトリクスを公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry はメトリクスを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Rejections は拒否数のカウンタを返す。
func (m *Metrics) Rejections() *prometheus.CounterVec {
	return m.rejections
}

// ActiveConnections は登録済みソケット接続数のゲージを返す。
func (m *Metrics) ActiveConnections() prometheus.Gauge {
	return m.activeConnections
}

// HTTPMiddleware はリクエスト数と処理時間、拒否数を記録するGinミドルウェアを返す。
// rejectionCodeには拒否時のエラーコードを取り出す関数を指定する。
func (m *Metrics) HTTPMiddleware(rejectionCode func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		if code := rejectionCode(c); code != "" {
			m.rejections.WithLabelValues("http", code).Inc()
		}
	}
}

// SocketRejected はソケット接続の拒否を記録する。
func (m *Metrics) SocketRejected(code string) {
	m.admissions.WithLabelValues("rejected").Inc()
	m.rejections.WithLabelValues("socket", code).Inc()
}

// SocketAdmitted はソケット接続の受け入れを記録する。
func (m *Metrics) SocketAdmitted() {
	m.admissions.WithLabelValues("admitted").Inc()
	m.activeConnections.Inc()
}

// SocketClosed はソケット接続の切断を記録する。
func (m *Metrics) SocketClosed() {
	m.activeConnections.Dec()
}
