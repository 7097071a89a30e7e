package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func startServer(t *testing.T, reporter *HealthReporter) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(0, reporter, zaptest.NewLogger(t))
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestHealthFollowsSessionState(t *testing.T) {
	reporter := NewHealthReporter(zaptest.NewLogger(t))
	client := startServer(t, reporter)

	reporter.Track([]types.DeviceInfo{
		{ID: "box", State: "READY"},
		{ID: "valve", State: "FAULTED"},
	})

	st, err := check(t, client, ServiceName("box"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, client, ServiceName("valve"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	ev := events.New(events.KindStateChanged, "box")
	ev.From, ev.To = "READY", "FAULTED"
	reporter.Emit(ev)

	st, err = check(t, client, ServiceName("box"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	// other kinds do not touch the status
	reporter.Emit(events.New(events.KindRetry, "valve"))
	st, err = check(t, client, ServiceName("valve"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	_, err = check(t, client, ServiceName("pump"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	reporter.Shutdown()
	ev = events.New(events.KindStateChanged, "valve")
	ev.To = "READY"
	reporter.Emit(ev)
	st, err = check(t, client, ServiceName("valve"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "labcore.device.box-1", ServiceName("box-1"))
}
