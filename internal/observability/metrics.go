package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_http_requests_total",
			Help: "Total number of HTTP requests processed by the sync service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	feedBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_feed_batches_total",
			Help: "Change-feed batches delivered to the reconciler.",
		},
		[]string{"collection", "snapshot"},
	)
	feedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_feed_events_total",
			Help: "Change-feed events by kind.",
		},
		[]string{"collection", "kind"},
	)
	feedReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_feed_reconnects_total",
			Help: "Change-feed reconnect attempts.",
		},
		[]string{"collection"},
	)
	mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_mutations_total",
			Help: "Optimistic mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	mutationWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_mutation_write_duration_seconds",
			Help:    "Remote write latency including retries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	pendingMutations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_pending_mutations",
			Help: "Mutations waiting for confirmation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		feedBatchesTotal,
		feedEventsTotal,
		feedReconnectsTotal,
		mutationsTotal,
		mutationWriteDuration,
		pendingMutations,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func ObserveFeedBatch(collection string, snapshot bool, kinds map[string]int) {
	feedBatchesTotal.WithLabelValues(collection, strconv.FormatBool(snapshot)).Inc()
	for kind, n := range kinds {
		feedEventsTotal.WithLabelValues(collection, kind).Add(float64(n))
	}
}

func IncFeedReconnect(collection string) {
	feedReconnectsTotal.WithLabelValues(collection).Inc()
}

func IncMutation(op, outcome string) {
	mutationsTotal.WithLabelValues(op, outcome).Inc()
}

func ObserveMutationWrite(op string, d time.Duration) {
	mutationWriteDuration.WithLabelValues(op).Observe(d.Seconds())
}

func SetPendingMutations(n int) {
	pendingMutations.Set(float64(n))
}
