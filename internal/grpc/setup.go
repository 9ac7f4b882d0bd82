package grpc

import (
	"sync"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var (
	serverMetrics     *grpcprom.ServerMetrics
	serverMetricsOnce sync.Once
)

// imageServerMetrics returns the process-wide gRPC server metrics. The
// collectors are registered on first use; later image servers share them.
func imageServerMetrics() *grpcprom.ServerMetrics {
	serverMetricsOnce.Do(func() {
		serverMetrics = grpcprom.NewServerMetrics(
			grpcprom.WithServerHandlingTimeHistogram(),
		)
		prometheus.MustRegister(serverMetrics)
	})
	return serverMetrics
}

// NewGRPCServer serves ImageCacheService over l, next to the standard
// health and reflection services. FetchImage and GetStats calls are counted
// and timed in Prometheus.
func NewGRPCServer(l Loader) *grpc.Server {
	m := imageServerMetrics()

	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(m.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(m.StreamServerInterceptor()),
	)
	RegisterImageCacheServiceServer(s, NewServer(l))

	// A disabled disk store still serves images, so both names stay SERVING.
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	for _, name := range []string{ServiceName, ""} {
		hs.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	// grpcurl lists ImageCacheService through reflection.
	reflection.Register(s)

	// Zero-valued series for FetchImage and GetStats exist before the first call.
	m.InitializeMetrics(s)
	return s
}
