package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/drivers"
	"github.com/KevinKickass/OpenLabCore/internal/drivers/switchbox"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

type fakeLifecycle struct {
	cfg     *config.Config
	manager *devices.Manager
}

func (f *fakeLifecycle) Config() *config.Config { return f.cfg }
func (f *fakeLifecycle) DeviceManager() *devices.Manager { return f.manager }
func (f *fakeLifecycle) Shutdown(ctx context.Context) error { return nil }
func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", DeviceCount: len(f.manager.Devices())}
}

func newTestServer(t *testing.T, authCfg config.AuthConfig) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg, err := drivers.Builtin()
	require.NoError(t, err)
	opts := session.DefaultOptions()
	opts.Timeout = 50 * time.Millisecond
	manager, err := devices.NewManager(reg, opts, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.ShutdownAll(context.Background()) })

	_, err = manager.Start(context.Background(), []types.DeviceConfig{{
		ID:        "box",
		Type:      switchbox.Type,
		Transport: types.TransportConfig{Kind: types.TransportSimulated, Address: t.Name()},
		Settings:  map[string]any{"starta": 65535},
	}})
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth = authCfg

	authService, err := auth.NewAuthService(authCfg, logger)
	require.NoError(t, err)

	lm := &fakeLifecycle{cfg: cfg, manager: manager}
	return NewServer(cfg, lm, logger, websocket.NewHub(logger, authService), authService)
}

func do(t *testing.T, s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealthAndStatus(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := do(t, s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/system/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[interfaces.SystemStatus](t, w)
	assert.Equal(t, 1, status.DeviceCount)
}

func TestDeviceRoutes(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := do(t, s, http.MethodGet, "/api/v1/devices", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Devices []types.DeviceInfo `json:"devices"`
		Count   int                `json:"count"`
	}](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "READY", list.Devices[0].State)

	w = do(t, s, http.MethodGet, "/api/v1/devices/box", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, switchbox.Type, decode[types.DeviceInfo](t, w).Type)

	w = do(t, s, http.MethodGet, "/api/v1/devices/box/capabilities", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"set-port"`)

	w = do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/get-start", InvokeRequest{Args: map[string]any{"port": "a"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"device_id":"box","capability":"get-start","value":65535}`, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/set-port", InvokeRequest{Args: map[string]any{"port": "b", "value": 12345}}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/get-port", InvokeRequest{Args: map[string]any{"port": "b"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(12345), decode[InvokeResponse](t, w).Value)

	w = do(t, s, http.MethodPost, "/api/v1/devices/box/reconnect", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "READY", decode[types.DeviceInfo](t, w).State)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown device", http.MethodGet, "/api/v1/devices/nope", nil, http.StatusNotFound, "UNKNOWN_DEVICE"},
		{"unknown device invoke", http.MethodPost, "/api/v1/devices/nope/capabilities/get-port", InvokeRequest{}, http.StatusNotFound, "UNKNOWN_DEVICE"},
		{"unknown capability", http.MethodPost, "/api/v1/devices/box/capabilities/get-flow", InvokeRequest{}, http.StatusNotFound, "UNKNOWN_CAPABILITY"},
		{"out of range", http.MethodPost, "/api/v1/devices/box/capabilities/set-port", InvokeRequest{Args: map[string]any{"port": "a", "value": 65536}}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"journal disabled", http.MethodGet, "/api/v1/devices/box/events", nil, http.StatusNotFound, "JOURNAL_404"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body, "")
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[types.ErrorResponse](t, w).Error.Code)
		})
	}

	w := do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/set-port", InvokeRequest{Args: map[string]any{"port": "a", "value": 65536}}, "")
	details := decode[struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}](t, w)
	assert.Equal(t, "value", details.Error.Details["argument"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, StatusOf(types.KindTimeout))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(types.KindDeviceUnavailable))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(types.KindDeviceReported))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(types.KindInternal))
}

func TestRoutesRequireRoles(t *testing.T) {
	t.Setenv("OLC_TEST_REST_SECRET", "0123456789abcdef0123456789abcdef")
	s := newTestServer(t, config.AuthConfig{
		Enabled:        true,
		JWTSecretEnv:   "OLC_TEST_REST_SECRET",
		Issuer:         "openlabcore",
		AccessTokenTTL: time.Minute,
	})

	viewer, _, err := s.authService.IssueToken(auth.Principal{Name: "dash", Role: auth.RoleViewer})
	require.NoError(t, err)
	operator, _, err := s.authService.IssueToken(auth.Principal{Name: "script", Role: auth.RoleOperator})
	require.NoError(t, err)

	w := do(t, s, http.MethodGet, "/api/v1/devices", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/devices", nil, viewer)
	assert.Equal(t, http.StatusOK, w.Code)

	body := InvokeRequest{Args: map[string]any{"port": "a", "value": 1}}
	w = do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/set-port", body, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/devices/box/capabilities/set-port", body, operator)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/system/shutdown", nil, operator)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/auth/me", nil, operator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"operator"`)

	w = do(t, s, http.MethodPost, "/api/v1/auth/token", nil, viewer)
	require.Equal(t, http.StatusOK, w.Code)
	tok := decode[TokenResponse](t, w)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Positive(t, tok.ExpiresIn)
}
