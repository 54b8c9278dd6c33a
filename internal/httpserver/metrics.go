package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "endpoint"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenledger_generations_total",
		Help: "Generation attempts by outcome",
	}, []string{"outcome"})

	topupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenledger_topups_total",
		Help: "Webhook top-up deliveries by outcome",
	}, []string{"outcome"})
)

func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(ctx.Request.Method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(ctx.Request.Method, endpoint).Observe(time.Since(started).Seconds())
	}
}
