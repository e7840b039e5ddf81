// Package server runs the daemon's gRPC status endpoint: the standard
// health service, reporting whether ingestion is running, behind request-id,
// rate-limit, logging and metrics interceptors.
package server

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	middleware "github.com/tejusbharadwaj/octoingest/internal/grpc/middlewares"
	"github.com/tejusbharadwaj/octoingest/internal/metrics"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// SetupServer creates the status server with health registered and every
// interceptor installed.
func SetupServer(health *HealthChecker, m *metrics.Metrics, logger *logrus.Logger, config ServerConfig) *grpc.Server {
	if config.RateLimit <= 0 || config.RateLimitBurst <= 0 {
		config = DefaultServerConfig()
	}
	limiter := rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.ContextMiddleware,                            // Add request ID first
				middleware.NewRateLimitingInterceptor(limiter),          // Rate limit early
				middleware.NewLoggingInterceptor(logger),                // Log all requests (with request ID)
				middleware.NewMetricsInterceptor(m.Requests, m.Latency), // Collect metrics
			),
		),
	)

	grpc_health_v1.RegisterHealthServer(srv, health)
	reflection.Register(srv)

	return srv
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			chainedInterceptor := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, chainedInterceptor)
			}
		}
		return chain(ctx, req)
	}
}
