package system

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/knauer"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/switchbox"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestLifecycleStartAndShutdown(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.HTTPPort = freePort(t)
	cfg.Server.GRPCPort = freePort(t)
	cfg.Session.Timeout = 50 * time.Millisecond
	cfg.Events.JournalPath = filepath.Join(t.TempDir(), "events.cbor")
	cfg.Devices = []types.DeviceConfig{
		{
			ID:        "lc-box",
			Type:      switchbox.Type,
			Transport: types.TransportConfig{Kind: types.TransportSimulated, Port: t.Name() + "-box"},
		},
		{
			ID:        "lc-valve",
			Type:      knauer.Type,
			Transport: types.TransportConfig{Kind: types.TransportSerial, Port: "/dev/does-not-exist"},
		},
	}

	lm, err := NewLifecycleManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, lm.Start(context.Background()))

	status := lm.GetCurrentStatus()
	assert.Equal(t, "RUNNING", status.State)
	assert.Equal(t, 2, status.DeviceCount)
	assert.Equal(t, 1, status.ReadyDevices)
	assert.Equal(t, 1, status.FaultedDevices)

	outcomes := lm.Outcomes()
	assert.True(t, outcomes["lc-box"].Ready())
	assert.Equal(t, types.KindInitialization, types.KindOf(outcomes["lc-valve"].Err))

	url := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.HTTPPort)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))
	require.NoError(t, lm.Shutdown(ctx))

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)

	evs, err := events.ReadJournal(cfg.Events.JournalPath, "lc-box", 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, "CLOSED", evs[len(evs)-1].To)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.NoError(t, ValidateTransition(StateError, StateStopping))
	assert.Error(t, ValidateTransition(StateStopped, StateRunning))
	assert.Error(t, ValidateTransition(StateRunning, StateInitializing))
}
