package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/api/grpcapi"
	"github.com/KevinKickass/OpenLabCore/internal/api/rest"
	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/discovery"
	"github.com/KevinKickass/OpenLabCore/internal/drivers"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/interfaces"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

type LifecycleManager struct {
	config        *config.Config
	deviceManager *devices.Manager
	authService   *auth.AuthService
	logger        *zap.Logger

	sinks      *events.Fanout
	wsHub      *websocket.Hub
	health     *grpcapi.HealthReporter
	advertiser *discovery.Advertiser
	journal    *events.Journal
	mqtt       *events.MQTTPublisher
	storage    *storage.PostgresClient

	restServer *rest.Server
	grpcServer *grpcapi.Server

	// stops the hub and advertiser loops
	cancelBackground context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
	outcomes     map[string]devices.Outcome

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	registry, err := drivers.Builtin()
	if err != nil {
		return nil, fmt.Errorf("failed to register drivers: %w", err)
	}

	authService, err := auth.NewAuthService(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	wsHub := websocket.NewHub(logger, authService)
	health := grpcapi.NewHealthReporter(logger)
	sinks := events.NewFanout(events.NewZapSink(logger), wsHub, health)

	deviceManager, err := devices.NewManager(registry, cfg.SessionOptions(), sinks, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	return &LifecycleManager{
		config:        cfg,
		deviceManager: deviceManager,
		authService:   authService,
		logger:        logger,
		sinks:         sinks,
		wsHub:         wsHub,
		health:        health,
		currentState:  StateInitializing,
		shutdownChan:  make(chan struct{}),
	}, nil
}

// Start opens the event sinks, brings up every configured device and
// starts the network surfaces. A device that fails to initialize does
// not fail Start.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenLabCore")

	bgCtx, cancel := context.WithCancel(context.Background())
	lm.cancelBackground = cancel
	go lm.wsHub.Run(bgCtx)

	// Sinks must be complete before the first session emits.
	if err := lm.openSinks(); err != nil {
		lm.setError(err)
		return err
	}
	if lm.config.Discovery.MDNS {
		lm.advertiser = discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Instance: lm.config.Discovery.Instance,
			Port:     lm.config.Server.HTTPPort,
		}, lm.deviceManager, lm.logger)
		lm.sinks.Add(lm.advertiser)
		go lm.advertiser.Run(bgCtx)
	}

	configs, err := lm.collectConfigs(ctx)
	if err != nil {
		lm.setError(err)
		return err
	}

	outcomes, err := lm.deviceManager.Start(ctx, configs)
	if err != nil {
		lm.setError(fmt.Errorf("failed to start devices: %w", err))
		return err
	}
	lm.stateMu.Lock()
	lm.outcomes = outcomes
	lm.stateMu.Unlock()

	infos := lm.deviceManager.Devices()
	lm.health.Track(infos)
	if lm.advertiser != nil {
		lm.advertiser.Sync(infos)
	}

	lm.grpcServer = grpcapi.NewServer(lm.config.Server.GRPCPort, lm.health, lm.logger)
	if err := lm.grpcServer.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	if err := lm.restServer.Start(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	ready := 0
	for _, o := range outcomes {
		if o.Ready() {
			ready++
		}
	}
	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(outcomes)),
		zap.Int("ready", ready))

	return nil
}

func (lm *LifecycleManager) openSinks() error {
	if path := lm.config.Events.JournalPath; path != "" {
		journal, err := events.OpenJournal(path)
		if err != nil {
			return fmt.Errorf("failed to open event journal: %w", err)
		}
		lm.journal = journal
		lm.sinks.Add(journal)
	}

	if mc := lm.config.Events.MQTT; mc.Enabled {
		publisher, err := events.ConnectMQTT(events.MQTTOptions{
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TopicPrefix: mc.TopicPrefix,
			QoS:         byte(mc.QoS),
		}, lm.logger)
		if err != nil {
			// Events still reach the log and the websocket.
			lm.logger.Warn("MQTT event publishing disabled", zap.Error(err))
		} else {
			lm.mqtt = publisher
			lm.sinks.Add(publisher)
		}
	}
	return nil
}

// collectConfigs merges inline devices, device files and the database,
// in that order.
func (lm *LifecycleManager) collectConfigs(ctx context.Context) ([]types.DeviceConfig, error) {
	configs := append([]types.DeviceConfig(nil), lm.config.Devices...)

	if paths := lm.config.DeviceFiles.SearchPaths; len(paths) > 0 {
		loader, err := devices.NewConfigLoader(paths, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create device file loader: %w", err)
		}
		fromFiles, err := loader.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to load device files: %w", err)
		}
		lm.logger.Info("Loaded device files", zap.Int("count", len(fromFiles)))
		configs = append(configs, fromFiles...)
	}

	if lm.config.Database.Enabled {
		if err := lm.loadDevicesFromDB(ctx, &configs); err != nil {
			lm.logger.Warn("Failed to load devices from database", zap.Error(err))
			// Continue anyway, not critical
		}
	}

	return configs, nil
}

func (lm *LifecycleManager) loadDevicesFromDB(ctx context.Context, configs *[]types.DeviceConfig) error {
	client, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return err
	}
	if err := client.EnsureSchema(ctx); err != nil {
		client.Close()
		return err
	}
	lm.storage = client

	fromDB, err := client.LoadDeviceConfigs(ctx)
	if err != nil {
		return err
	}
	lm.logger.Info("Loading devices from database", zap.Int("count", len(fromDB)))
	*configs = append(*configs, fromDB...)
	return nil
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished, including shutdowns
// requested over the API.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// 1. Stop taking requests
	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	// 2. Safe state and close every device
	if err := lm.deviceManager.ShutdownAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("device shutdown failed: %w", err))
	}

	// 3. Health goes NOT_SERVING before the listener stops
	lm.health.Shutdown()
	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		lm.grpcServer.Stop(ctx)
	}

	// 4. Sinks
	if lm.cancelBackground != nil {
		lm.cancelBackground()
		<-lm.wsHub.Done()
	}
	if lm.advertiser != nil {
		<-lm.advertiser.Done()
	}
	if lm.mqtt != nil {
		lm.mqtt.Close()
	}
	if lm.journal != nil {
		if err := lm.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal close failed: %w", err))
		}
	}
	if lm.storage != nil {
		lm.storage.Close()
	}

	if ctx.Err() != nil {
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.stateMu.Lock()
	lm.lastErr = err
	lm.stateMu.Unlock()
	lm.setState(StateError)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	lm.stateMu.RUnlock()

	infos := lm.deviceManager.Devices()
	status := interfaces.SystemStatus{
		State:       state.String(),
		DeviceCount: len(infos),
	}
	for _, info := range infos {
		switch info.State {
		case session.StateReady.String(), session.StateExecuting.String():
			status.ReadyDevices++
		case session.StateFaulted.String():
			status.FaultedDevices++
		}
	}
	return status
}

// Outcomes returns the initialization result per device.
func (lm *LifecycleManager) Outcomes() map[string]devices.Outcome {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	out := make(map[string]devices.Outcome, len(lm.outcomes))
	for id, o := range lm.outcomes {
		out[id] = o
	}
	return out
}

// DeviceManager returns the device manager
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

var _ interfaces.LifecycleManager = (*LifecycleManager)(nil)
