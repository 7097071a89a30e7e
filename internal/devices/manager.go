package devices

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Outcome is the result of bringing up one configured device.
type Outcome struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

func (o Outcome) Ready() bool { return o.Err == nil }

// Manager owns every device session of the process and is the single
// entry point for the external interface layer.
type Manager struct {
	drivers   *driver.Registry
	caps      *capability.Registry
	validator *Validator
	opts      session.Options
	sink      events.Sink
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
	started  bool
}

func NewManager(drivers *driver.Registry, opts session.Options, sink events.Sink, logger *zap.Logger) (*Manager, error) {
	caps := capability.NewRegistry()
	if err := drivers.Declare(caps); err != nil {
		return nil, fmt.Errorf("failed to declare capabilities: %w", err)
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	if sink == nil {
		sink = events.Discard
	}

	return &Manager{
		drivers:   drivers,
		caps:      caps,
		validator: validator,
		opts:      opts,
		sink:      sink,
		logger:    logger,
		sessions:  make(map[string]*session.Session),
	}, nil
}

// Start creates one session per config and initializes all of them in
// parallel. A device that fails does not stop the others; its outcome
// carries an InitializationError. The returned error is reserved for
// problems with the config set itself.
func (m *Manager) Start(ctx context.Context, configs []types.DeviceConfig) (map[string]Outcome, error) {
	seen := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("device config without id (type %q)", cfg.Type)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("duplicate device id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, fmt.Errorf("device manager already started")
	}
	m.started = true
	m.mu.Unlock()

	outcomes := make(map[string]Outcome, len(configs))
	var pending []*session.Session
	for _, cfg := range configs {
		s, err := m.build(cfg)
		if err != nil {
			err = fmt.Errorf("%w: %s: %w", types.ErrInitialization, cfg.ID, err)
			outcomes[cfg.ID] = Outcome{DeviceID: cfg.ID, State: session.StateUninitialized.String(), Error: err.Error(), Err: err}
			m.logger.Error("Device rejected",
				zap.String("device", cfg.ID),
				zap.String("type", cfg.Type),
				zap.Error(err))
			continue
		}
		pending = append(pending, s)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, s := range pending {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			err := s.Initialize(ctx)

			o := Outcome{DeviceID: s.ID(), State: s.State().String(), Err: err}
			if err != nil {
				o.Error = err.Error()
				m.logger.Error("Device initialization failed",
					zap.String("device", s.ID()),
					zap.Error(err))
			} else {
				m.logger.Info("Device initialized",
					zap.String("device", s.ID()),
					zap.String("type", s.Type()))
			}

			mu.Lock()
			outcomes[s.ID()] = o
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	return outcomes, nil
}

func (m *Manager) build(cfg types.DeviceConfig) (*session.Session, error) {
	if err := m.validator.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	drv, err := m.drivers.Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	s, err := session.New(cfg, drv, m.opts, m.logger, m.sink)
	if err != nil {
		return nil, err
	}
	if err := m.caps.Bind(cfg.ID, cfg.Type, s); err != nil {
		_ = s.Shutdown(context.Background())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[cfg.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Invoke validates args against the capability schema and runs the call
// on the device's session.
func (m *Manager) Invoke(ctx context.Context, deviceID, capabilityName string, args map[string]any) (codec.Result, error) {
	return m.caps.Dispatch(ctx, deviceID, capabilityName, args)
}

// ListCapabilities returns the operations a device advertises.
func (m *Manager) ListCapabilities(deviceID string) (iter.Seq[capability.Capability], error) {
	return m.caps.List(deviceID)
}

// Reconnect reopens a device, typically after it faulted.
func (m *Manager) Reconnect(ctx context.Context, deviceID string) error {
	s, err := m.session(deviceID)
	if err != nil {
		return err
	}
	if err := s.Reconnect(ctx); err != nil {
		m.logger.Error("Device reconnect failed",
			zap.String("device", deviceID),
			zap.Error(err))
		return err
	}
	m.logger.Info("Device reconnected", zap.String("device", deviceID))
	return nil
}

// Device returns the runtime view of one device.
func (m *Manager) Device(deviceID string) (types.DeviceInfo, error) {
	s, err := m.session(deviceID)
	if err != nil {
		return types.DeviceInfo{}, err
	}
	return s.Info(), nil
}

// Devices returns every device sorted by id.
func (m *Manager) Devices() []types.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]types.DeviceInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) session(deviceID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownDevice, deviceID)
	}
	return s, nil
}

// ShutdownAll shuts every session down. Failures are collected; every
// session is attempted regardless.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.RLock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, s *session.Session) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.ID(), err)
				m.logger.Error("Failed to shut down device",
					zap.String("device", s.ID()),
					zap.Error(err))
			}
		}(i, s)
	}
	wg.Wait()

	return errors.Join(errs...)
}
