package devices

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/drivers"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/knauer"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/runze"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/switchbox"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	reg, err := drivers.Builtin()
	require.NoError(t, err)

	opts := session.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.RetryBackoff = time.Millisecond

	m, err := NewManager(reg, opts, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.ShutdownAll(context.Background()) })
	return m
}

func simulated(id, deviceType string, settings map[string]any) types.DeviceConfig {
	return types.DeviceConfig{
		ID:        id,
		Type:      deviceType,
		Transport: types.TransportConfig{Kind: types.TransportSimulated},
		Settings:  settings,
	}
}

func TestStartIsolatesFailures(t *testing.T) {
	m := newManager(t)

	outcomes, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("mgr-box", switchbox.Type, map[string]any{"starta": 65535}),
		{
			ID:        "mgr-missing",
			Type:      switchbox.Type,
			Transport: types.TransportConfig{Kind: types.TransportSerial, Port: "/dev/does-not-exist"},
		},
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.True(t, outcomes["mgr-box"].Ready())
	assert.Equal(t, "READY", outcomes["mgr-box"].State)

	failed := outcomes["mgr-missing"]
	assert.False(t, failed.Ready())
	assert.Equal(t, types.KindInitialization, types.KindOf(failed.Err))
	assert.ErrorIs(t, failed.Err, types.ErrAddressUnavailable)

	res, err := m.Invoke(context.Background(), "mgr-box", switchbox.CapGetStart, map[string]any{"port": "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(65535), res.Value)

	_, err = m.Invoke(context.Background(), "mgr-box", switchbox.CapSetPort, map[string]any{"port": "b", "value": 42})
	require.NoError(t, err)
	res, err = m.Invoke(context.Background(), "mgr-box", switchbox.CapGetPort, map[string]any{"port": "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value)

	_, err = m.Invoke(context.Background(), "mgr-missing", switchbox.CapGetPort, map[string]any{"port": "a"})
	assert.Equal(t, types.KindDeviceUnavailable, types.KindOf(err))
}

func TestInvokeErrorKinds(t *testing.T) {
	m := newManager(t)
	_, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("kinds-valve", runze.Type, map[string]any{"ports": 8}),
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		device   string
		cap      string
		args     map[string]any
		expected types.Kind
	}{
		{"unknown device", "nope", runze.CapGetPosition, nil, types.KindUnknownDevice},
		{"unknown capability", "kinds-valve", "get-flow", nil, types.KindUnknownCapability},
		{"argument out of schema", "kinds-valve", runze.CapSetPosition, map[string]any{"position": 17}, types.KindInvalidArgument},
		{"argument outside valve head", "kinds-valve", runze.CapSetPosition, map[string]any{"position": 9}, types.KindInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Invoke(context.Background(), tt.device, tt.cap, tt.args)
			assert.Equal(t, tt.expected, types.KindOf(err))
		})
	}

	_, err = m.Invoke(context.Background(), "kinds-valve", runze.CapSetPosition, map[string]any{"position": 8})
	require.NoError(t, err)
	res, err := m.Invoke(context.Background(), "kinds-valve", runze.CapGetPosition, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Value)
}

func TestStartRejectsBadConfigs(t *testing.T) {
	m := newManager(t)

	_, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("dup", switchbox.Type, nil),
		simulated("dup", switchbox.Type, nil),
	})
	assert.ErrorContains(t, err, "duplicate")

	outcomes, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("bad-type", "flux-capacitor", nil),
		simulated("bad id!", switchbox.Type, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, types.KindInitialization, types.KindOf(outcomes["bad-type"].Err))
	assert.Equal(t, types.KindInitialization, types.KindOf(outcomes["bad id!"].Err))

	_, err = m.Device("bad-type")
	assert.ErrorIs(t, err, types.ErrUnknownDevice)

	_, err = m.Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestListCapabilities(t *testing.T) {
	m := newManager(t)
	_, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("caps-valve", knauer.Type, map[string]any{"head": "LI"}),
	})
	require.NoError(t, err)

	seq, err := m.ListCapabilities("caps-valve")
	require.NoError(t, err)

	var names []string
	for c := range seq {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{knauer.CapGetValveType, knauer.CapGetPosition, knauer.CapSetPosition}, names)

	// the sequence can be ranged again with the same result
	var again []string
	for _, c := range collect(seq) {
		again = append(again, c.Name)
	}
	assert.Equal(t, names, again)

	_, err = m.ListCapabilities("nope")
	assert.ErrorIs(t, err, types.ErrUnknownDevice)
}

func collect(seq func(func(capability.Capability) bool)) []capability.Capability {
	var out []capability.Capability
	for c := range seq {
		out = append(out, c)
	}
	return out
}

func TestReconnectAndShutdown(t *testing.T) {
	m := newManager(t)
	_, err := m.Start(context.Background(), []types.DeviceConfig{
		simulated("rc-box", switchbox.Type, nil),
		simulated("rc-valve", knauer.Type, map[string]any{"head": 6, "position": "3"}),
	})
	require.NoError(t, err)

	require.NoError(t, m.Reconnect(context.Background(), "rc-valve"))
	res, err := m.Invoke(context.Background(), "rc-valve", knauer.CapGetPosition, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Value)

	assert.ErrorIs(t, m.Reconnect(context.Background(), "nope"), types.ErrUnknownDevice)

	infos := m.Devices()
	require.Len(t, infos, 2)
	assert.Equal(t, "rc-box", infos[0].ID)
	assert.Equal(t, "READY", infos[1].State)

	require.NoError(t, m.ShutdownAll(context.Background()))
	require.NoError(t, m.ShutdownAll(context.Background()))
	for _, info := range m.Devices() {
		assert.Equal(t, "CLOSED", info.State)
	}
}

func TestConfigLoader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "box.yaml"), []byte(`
id: box
type: mpikg-switch-box
transport:
  kind: serial
  port: /dev/ttyUSB0
  timeout: 500ms
settings:
  starta: 65535
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "valve.json"), []byte(
		`{"id":"valve","type":"knauer-valve","transport":{"kind":"tcp","address":"10.0.0.5:10001"}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	loader, err := NewConfigLoader([]string{dir, filepath.Join(dir, "missing")}, nil)
	require.NoError(t, err)

	configs, err := loader.LoadAll()
	require.NoError(t, err)
	require.Len(t, configs, 2)

	box := configs[0]
	assert.Equal(t, "box", box.ID)
	assert.Equal(t, types.TransportSerial, box.Transport.Kind)
	assert.Equal(t, 500*time.Millisecond, box.Transport.Timeout)
	v, err := types.IntSetting(box.Settings, "starta", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(65535), v)

	valve, err := loader.Load("valve")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:10001", valve.Transport.Address)

	_, err = loader.Load("pump")
	assert.ErrorContains(t, err, "not found")
}

func TestConfigLoaderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
id: bad
type: mpikg-switch-box
transport:
  kind: carrier-pigeon
`), 0644))

	loader, err := NewConfigLoader([]string{dir}, nil)
	require.NoError(t, err)
	_, err = loader.LoadAll()
	assert.ErrorContains(t, err, "validation failed")
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateConfig(simulated("ok", switchbox.Type, map[string]any{"starta": 1})))
	assert.Error(t, v.ValidateConfig(types.DeviceConfig{ID: "", Type: switchbox.Type}))
	assert.Error(t, v.ValidateDocument([]byte(`{"id":"x","type":"y","extra":1}`)))
	assert.Error(t, v.ValidateDocument([]byte(`{"id":"x","type":"y","transport":{"baud_rate":12}}`)))
	assert.Error(t, v.ValidateDocument([]byte(`not json`)))
}
