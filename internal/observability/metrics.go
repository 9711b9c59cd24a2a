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
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat gateway.",
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
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	wsClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_closes_total",
			Help: "Websocket closes by close code.",
		},
		[]string{"code"},
	)
	registryDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_registry_deliveries_total",
			Help: "Broadcast deliveries by result.",
		},
		[]string{"result"},
	)
	registryGroups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_registry_groups",
			Help: "Number of live groups in the local registry.",
		},
	)
	registrySubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_registry_subscriptions",
			Help: "Number of group subscriptions in the local registry.",
		},
	)
	pipelineOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_pipeline_operations_total",
			Help: "Message pipeline operations by outcome.",
		},
		[]string{"op", "result"},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_notifications_total",
			Help: "Notification dispatches by kind and outcome.",
		},
		[]string{"kind", "result"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
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
		wsClosesTotal,
		registryDeliveriesTotal,
		registryGroups,
		registrySubscriptions,
		pipelineOpsTotal,
		notificationsTotal,
		amqpPublishErrorsTotal,
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
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
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

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncWSClose(code int) {
	wsClosesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// IncDelivery counts one broadcast delivery attempt; result is "delivered" or "dropped".
func IncDelivery(result string) {
	registryDeliveriesTotal.WithLabelValues(result).Inc()
}

func SetRegistryStats(groups, subscriptions int) {
	registryGroups.Set(float64(groups))
	registrySubscriptions.Set(float64(subscriptions))
}

func IncPipeline(op, result string) {
	pipelineOpsTotal.WithLabelValues(op, result).Inc()
}

func IncNotification(kind, result string) {
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
