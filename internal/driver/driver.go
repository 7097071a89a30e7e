package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Driver describes one device family: its capabilities, how to build a
// codec for an instance, and the commands that bring an instance into a
// known state.
type Driver struct {
	Type        string
	Description string

	Capabilities []capability.Capability

	// Transport fills in parameters the configuration leaves empty.
	Transport types.TransportConfig

	// NewCodec builds the codec of one instance. It sees the transport
	// section already merged with the defaults above.
	NewCodec func(cfg types.DeviceConfig) (codec.Codec, error)

	// Handshake confirms the device identity after the transport opened.
	// Nil skips the check.
	Handshake *codec.Command

	// StartState returns the commands that force a freshly opened device
	// into its configured start state.
	StartState func(settings map[string]any) ([]codec.Command, error)

	// SafeState returns commands issued before closing. Optional.
	SafeState func(settings map[string]any) ([]codec.Command, error)

	// Simulator builds the in-memory device used by simulated transports.
	Simulator func(settings map[string]any) transport.Responder
}

// Capability returns the named capability of the driver.
func (d *Driver) Capability(name string) (capability.Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return capability.Capability{}, false
}

// Command builds a command for one of the driver's own capabilities,
// validating the arguments the same way an external call would be.
func (d *Driver) Command(name string, args map[string]any) (codec.Command, error) {
	c, ok := d.Capability(name)
	if !ok {
		return codec.Command{}, fmt.Errorf("%w: %s has no capability %q", types.ErrUnknownCapability, d.Type, name)
	}
	values, err := c.Validate(args)
	if err != nil {
		return codec.Command{}, err
	}
	return codec.Command{Name: name, Args: values}, nil
}

// TransportConfig merges cfg over the driver defaults.
func (d *Driver) TransportConfig(cfg types.TransportConfig) types.TransportConfig {
	merged := cfg
	if merged.Kind == "" {
		merged.Kind = d.Transport.Kind
	}
	if merged.BaudRate == 0 {
		merged.BaudRate = d.Transport.BaudRate
	}
	if merged.DataBits == 0 {
		merged.DataBits = d.Transport.DataBits
	}
	if merged.Parity == "" {
		merged.Parity = d.Transport.Parity
	}
	if merged.StopBits == 0 {
		merged.StopBits = d.Transport.StopBits
	}
	if merged.Timeout == 0 {
		merged.Timeout = d.Transport.Timeout
	}
	return merged
}

// BuildCodec builds the codec for one device configuration.
func (d *Driver) BuildCodec(cfg types.DeviceConfig) (codec.Codec, error) {
	cfg.Transport = d.TransportConfig(cfg.Transport)
	return d.NewCodec(cfg)
}

// NewTransport builds the transport a device configuration asks for. It
// does not open it.
func (d *Driver) NewTransport(cfg types.DeviceConfig) (transport.Transport, error) {
	tc := d.TransportConfig(cfg.Transport)
	switch tc.Kind {
	case types.TransportSerial:
		if tc.Port == "" {
			return nil, fmt.Errorf("device %s: serial transport needs a port", cfg.ID)
		}
		return transport.NewSerial(tc)
	case types.TransportTCP:
		if tc.Address == "" {
			return nil, fmt.Errorf("device %s: tcp transport needs an address", cfg.ID)
		}
		return transport.NewTCP(tc.Address, tc.Timeout), nil
	case types.TransportSimulated:
		if d.Simulator == nil {
			return nil, fmt.Errorf("device %s: driver %s has no simulator", cfg.ID, d.Type)
		}
		addr := tc.Port
		if addr == "" {
			addr = cfg.ID
		}
		return transport.NewSimulated(addr, d.Simulator(cfg.Settings)), nil
	default:
		return nil, fmt.Errorf("device %s: unknown transport kind %q", cfg.ID, tc.Kind)
	}
}

// Registry holds the drivers known to the process, keyed by type tag.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*Driver
}

func NewRegistry(drivers ...*Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]*Driver)}
	for _, d := range drivers {
		if err := r.Add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Add(d *Driver) error {
	if d.Type == "" || d.NewCodec == nil {
		return fmt.Errorf("driver %q is incomplete", d.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[d.Type]; exists {
		return fmt.Errorf("driver %s already registered", d.Type)
	}
	r.drivers[d.Type] = d
	return nil
}

func (r *Registry) Get(deviceType string) (*Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[deviceType]
	if !ok {
		return nil, fmt.Errorf("no driver for device type %q", deviceType)
	}
	return d, nil
}

// All returns the drivers sorted by type tag.
func (r *Registry) All() []*Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Declare registers every driver's capabilities with caps.
func (r *Registry) Declare(caps *capability.Registry) error {
	for _, d := range r.All() {
		for _, c := range d.Capabilities {
			if err := caps.Register(d.Type, c); err != nil {
				return err
			}
		}
	}
	return nil
}
