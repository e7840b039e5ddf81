package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	server "github.com/tejusbharadwaj/octoingest/internal/grpc"
	"github.com/tejusbharadwaj/octoingest/internal/metrics"
)

func startServer(t *testing.T, health *server.HealthChecker, m *metrics.Metrics) grpc_health_v1.HealthClient {
	t.Helper()

	logger, _ := test.NewNullLogger()
	srv := server.SetupServer(health, m, logger, server.DefaultServerConfig())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return grpc_health_v1.NewHealthClient(conn)
}

func TestHealthCheck(t *testing.T) {
	health := server.NewHealthChecker()
	m := metrics.New(prometheus.NewRegistry())
	client := startServer(t, health, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name         string
		setup        func()
		service      string
		expectedCode codes.Code
		expected     grpc_health_v1.HealthCheckResponse_ServingStatus
	}{
		{
			name:         "unknown service",
			setup:        func() {},
			service:      "nope",
			expectedCode: codes.NotFound,
		},
		{
			name:         "serving",
			setup:        func() { health.SetServingStatus(server.IngestService, grpc_health_v1.HealthCheckResponse_SERVING) },
			service:      server.IngestService,
			expectedCode: codes.OK,
			expected:     grpc_health_v1.HealthCheckResponse_SERVING,
		},
		{
			name:         "halted",
			setup:        func() { health.SetServingStatus(server.IngestService, grpc_health_v1.HealthCheckResponse_NOT_SERVING) },
			service:      server.IngestService,
			expectedCode: codes.OK,
			expected:     grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: tt.service})
			assert.Equal(t, tt.expectedCode, status.Code(err))
			if tt.expectedCode == codes.OK {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, resp.Status)
			}
		})
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("Check", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("Check", "NotFound")))
}

func TestHealthWatch(t *testing.T) {
	health := server.NewHealthChecker()
	client := startServer(t, health, metrics.New(prometheus.NewRegistry()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: server.IngestService})
	require.NoError(t, err)

	resp, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, resp.Status)

	health.SetServingStatus(server.IngestService, grpc_health_v1.HealthCheckResponse_SERVING)
	resp, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)

	health.Shutdown()
	resp, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.Status)
}
