// Package metrics exposes Prometheus instrumentation for the ledger and the
// HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"persona-ledger/internal/ledger"
)

const namespace = "persona"

// Recorder implements ledger.Observer and a gin middleware over one registry.
type Recorder struct {
	reg *prometheus.Registry

	sends    *prometheus.CounterVec
	attempts prometheus.Histogram
	charged  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func NewRecorder() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "send_total",
				Help:      "Finished sends by outcome (committed or error kind).",
			},
			[]string{"outcome"},
		),
		attempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "send_attempts",
				Help:      "Transaction attempts per finished send.",
				Buckets:   []float64{1, 2, 3, 5, 10},
			},
		),
		charged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "tokens_charged_total",
				Help:      "Tokens debited by committed sends.",
			},
			[]string{"kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
	}
	r.reg.MustRegister(
		r.sends,
		r.attempts,
		r.charged,
		r.httpRequests,
		r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveSend implements ledger.Observer.
func (r *Recorder) ObserveSend(req ledger.SendRequest, msg ledger.Message, attempts int, err error) {
	outcome := "committed"
	if err != nil {
		outcome = string(ledger.KindOf(err))
	}
	r.sends.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		r.attempts.Observe(float64(attempts))
	}
	if err == nil {
		r.charged.WithLabelValues(string(msg.Kind)).Add(float64(msg.TokenCost))
	}
}

// Middleware records request counts and latency by route template.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		r.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		r.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }
