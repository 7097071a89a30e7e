package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/session"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	ServiceType = "_labcore._tcp"
	Domain      = "local."

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// DeviceLookup resolves a device id to its runtime view.
type DeviceLookup interface {
	Device(id string) (types.DeviceInfo, error)
}

// AdvertiserConfig configures mDNS advertisement.
type AdvertiserConfig struct {
	// Instance prefixes every advertised instance name.
	Instance string
	// Port is the HTTP port clients should use.
	Port int
	// Interface restricts advertisement to one interface. Empty = all.
	Interface string
	TTL       time.Duration
}

type registration interface {
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (registration, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (registration, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
}

// Advertiser publishes every Ready device as a _labcore._tcp service and
// withdraws it when the session leaves Ready. It consumes session events.
type Advertiser struct {
	config   AdvertiserConfig
	lookup   DeviceLookup
	logger   *zap.Logger
	register registerFunc

	queue chan events.Event
	done  chan struct{}

	mu      sync.Mutex
	servers map[string]registration // keyed by device id
}

func NewAdvertiser(config AdvertiserConfig, lookup DeviceLookup, logger *zap.Logger) *Advertiser {
	return &Advertiser{
		config:   config,
		lookup:   lookup,
		logger:   logger.Named("mdns"),
		register: zeroconfRegister,
		queue:    make(chan events.Event, 64),
		done:     make(chan struct{}),
		servers:  make(map[string]registration),
	}
}

// Emit queues the event; registration happens on the Run goroutine so a
// session worker never waits for multicast setup.
func (a *Advertiser) Emit(ev events.Event) {
	if ev.Kind != events.KindStateChanged {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.logger.Warn("mDNS queue full, event dropped", zap.String("device", ev.DeviceID))
	}
}

// Run processes queued events until ctx is done, then withdraws every
// advertisement.
func (a *Advertiser) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			a.StopAll()
			return
		case ev := <-a.queue:
			a.apply(ev)
		}
	}
}

// Done is closed when Run has returned.
func (a *Advertiser) Done() <-chan struct{} {
	return a.done
}

// Sync advertises every device in infos that is Ready.
func (a *Advertiser) Sync(infos []types.DeviceInfo) {
	for _, info := range infos {
		if info.State == session.StateReady.String() {
			if err := a.Advertise(info); err != nil {
				a.logger.Warn("Failed to advertise device", zap.String("device", info.ID), zap.Error(err))
			}
		}
	}
}

func (a *Advertiser) apply(ev events.Event) {
	if ev.To != session.StateReady.String() {
		a.Withdraw(ev.DeviceID)
		return
	}
	info, err := a.lookup.Device(ev.DeviceID)
	if err != nil {
		a.logger.Warn("Unknown device in state event", zap.String("device", ev.DeviceID), zap.Error(err))
		return
	}
	if err := a.Advertise(info); err != nil {
		a.logger.Warn("Failed to advertise device", zap.String("device", info.ID), zap.Error(err))
	}
}

// Advertise registers one device. An existing registration is kept.
func (a *Advertiser) Advertise(info types.DeviceInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.servers[info.ID]; exists {
		return nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := a.register(
		a.InstanceName(info.ID),
		ServiceType,
		Domain,
		a.config.Port,
		TXTRecords(info),
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", info.ID, err)
	}

	a.servers[info.ID] = server
	a.logger.Info("Device advertised",
		zap.String("device", info.ID),
		zap.String("type", info.Type))
	return nil
}

// Withdraw stops advertising one device.
func (a *Advertiser) Withdraw(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if server, exists := a.servers[deviceID]; exists {
		server.Shutdown()
		delete(a.servers, deviceID)
		a.logger.Info("Device advertisement withdrawn", zap.String("device", deviceID))
	}
}

func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, server := range a.servers {
		server.Shutdown()
		delete(a.servers, id)
	}
}

// Advertised returns the number of active registrations.
func (a *Advertiser) Advertised() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.servers)
}

func (a *Advertiser) InstanceName(deviceID string) string {
	name := deviceID
	if a.config.Instance != "" {
		name = a.config.Instance + "-" + deviceID
	}
	if len(name) > MaxInstanceNameLen {
		name = name[:MaxInstanceNameLen]
	}
	return name
}

// interfaces returns nil to use all interfaces.
func (a *Advertiser) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// TXTRecords describes a device to browsers.
func TXTRecords(info types.DeviceInfo) []string {
	return []string{
		"id=" + info.ID,
		"type=" + info.Type,
		"path=/api/v1/devices/" + info.ID,
	}
}

var _ events.Sink = (*Advertiser)(nil)
