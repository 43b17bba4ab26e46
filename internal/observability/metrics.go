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

	"chat-core/internal/apperr"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat core.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_client_handled_total",
			Help: "Total number of gRPC calls completed by the client.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events by direction.",
		},
		[]string{"direction", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_operation_duration_seconds",
			Help:    "Orchestrator operation latencies by outcome kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
	storeFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_fallback_total",
			Help: "Operations that ran the non-transactional fallback path.",
		},
		[]string{"op"},
	)
	storeRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_retry_total",
			Help: "Fallback paths retried after a transient store error.",
		},
		[]string{"op"},
	)
	deliveryPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_delivery_pushes_total",
			Help: "Events pushed to connection send queues.",
		},
		[]string{"result"},
	)
	presenceOnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_online_users",
			Help: "Users with at least one live connection or inside the grace period.",
		},
	)
	presencePersistErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_presence_persist_errors_total",
			Help: "Presence transitions that failed to persist.",
		},
	)
	offlineNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_offline_notifications_total",
			Help: "Offline notifications handed to the dispatcher.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		operationDuration,
		storeFallbackTotal,
		storeRetryTotal,
		deliveryPushesTotal,
		presenceOnlineUsers,
		presencePersistErrorsTotal,
		offlineNotificationsTotal,
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

// GRPCClientMetricsUnaryInterceptor counts outgoing unary calls by status code.
func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, status.Code(err).String()).Inc()
		return err
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

// IncWSEvent counts an event; direction is "in", "out" or "lifecycle".
func IncWSEvent(direction, event string) {
	wsEventsTotal.WithLabelValues(direction, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// ObserveOperation records the latency of op labelled with the error kind.
func ObserveOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.Kind(err)
	}
	operationDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func IncStoreFallback(op string) {
	storeFallbackTotal.WithLabelValues(op).Inc()
}

func IncStoreRetry(op string) {
	storeRetryTotal.WithLabelValues(op).Inc()
}

// IncDelivery counts a push; result is "queued" or "dropped".
func IncDelivery(result string) {
	deliveryPushesTotal.WithLabelValues(result).Inc()
}

func SetOnlineUsers(n int) {
	presenceOnlineUsers.Set(float64(n))
}

func IncPresencePersistError() {
	presencePersistErrorsTotal.Inc()
}

func IncOfflineNotification(result string) {
	offlineNotificationsTotal.WithLabelValues(result).Inc()
}
