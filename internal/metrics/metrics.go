// Package metrics provides Prometheus instrumentation for the exchange.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts orders placed, partitioned by side and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_orders_total",
		Help: "Total number of orders placed",
	}, []string{"side", "outcome"})

	// OrderRejections counts orders rejected at admission, by reason class.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_order_rejections_total",
		Help: "Orders rejected by risk checks",
	}, []string{"reason"})

	// TradesTotal counts trades executed.
	TradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_trades_total",
		Help: "Total number of trades executed",
	})

	// TradeVolume tracks cumulative trade volume (lots) per market.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_trade_volume_total",
		Help: "Cumulative trade volume in lots",
	}, []string{"market_id"})

	// MatchLatency tracks how long order placement holds the market lock.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mm_match_latency_seconds",
		Help:    "Order placement and matching latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MarketsSettled counts markets settled.
	MarketsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_markets_settled_total",
		Help: "Total number of markets settled",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
