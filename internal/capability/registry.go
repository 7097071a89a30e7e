package capability

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Invoker executes a validated command on one device instance.
type Invoker interface {
	Invoke(ctx context.Context, c Capability, args []any) (codec.Result, error)
}

type typeEntry struct {
	ordered []Capability
	byName  map[string]int
	bound   bool
}

type binding struct {
	deviceType string
	invoker    Invoker
}

// Registry maps device types to their capability sets and device
// instances to the session that executes them.
//
// Capabilities are registered per type before any instance of that type
// is bound; after that the set is frozen.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]*typeEntry
	devices map[string]binding
}

func NewRegistry() *Registry {
	return &Registry{
		types:   make(map[string]*typeEntry),
		devices: make(map[string]binding),
	}
}

// Register declares a capability for deviceType.
func (r *Registry) Register(deviceType string, c Capability) error {
	if err := c.check(); err != nil {
		return fmt.Errorf("device type %s: %w", deviceType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.types[deviceType]
	if !ok {
		entry = &typeEntry{byName: make(map[string]int)}
		r.types[deviceType] = entry
	}
	if entry.bound {
		return fmt.Errorf("device type %s: capabilities are frozen once a device is bound", deviceType)
	}
	if _, dup := entry.byName[c.Name]; dup {
		return fmt.Errorf("device type %s: capability %q already registered", deviceType, c.Name)
	}
	entry.byName[c.Name] = len(entry.ordered)
	entry.ordered = append(entry.ordered, c)
	return nil
}

// Bind attaches a device instance to its type's capability set.
func (r *Registry) Bind(deviceID, deviceType string, inv Invoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.types[deviceType]
	if !ok {
		return fmt.Errorf("device type %s has no registered capabilities", deviceType)
	}
	if _, dup := r.devices[deviceID]; dup {
		return fmt.Errorf("device %s already bound", deviceID)
	}
	entry.bound = true
	r.devices[deviceID] = binding{deviceType: deviceType, invoker: inv}
	return nil
}

// Lookup returns the named capability of a device.
func (r *Registry) Lookup(deviceID, name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.devices[deviceID]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", types.ErrUnknownDevice, deviceID)
	}
	entry := r.types[b.deviceType]
	idx, ok := entry.byName[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s has no capability %q", types.ErrUnknownCapability, deviceID, name)
	}
	return entry.ordered[idx], nil
}

// Dispatch validates raw arguments against the capability schema and
// forwards the call to the device's invoker. Nothing reaches the device
// when validation fails.
func (r *Registry) Dispatch(ctx context.Context, deviceID, name string, raw map[string]any) (codec.Result, error) {
	c, err := r.Lookup(deviceID, name)
	if err != nil {
		return codec.Result{}, err
	}
	args, err := c.Validate(raw)
	if err != nil {
		return codec.Result{}, err
	}

	r.mu.RLock()
	inv := r.devices[deviceID].invoker
	r.mu.RUnlock()

	return inv.Invoke(ctx, c, args)
}

// List returns the capabilities of a device in registration order. The
// sequence can be ranged over any number of times.
func (r *Registry) List(deviceID string) (iter.Seq[Capability], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownDevice, deviceID)
	}
	caps := r.types[b.deviceType].ordered
	return func(yield func(Capability) bool) {
		for _, c := range caps {
			if !yield(c) {
				return
			}
		}
	}, nil
}

// Types returns the capabilities registered for deviceType.
func (r *Registry) Types(deviceType string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.types[deviceType]
	if !ok {
		return nil
	}
	return append([]Capability(nil), entry.ordered...)
}
