package types

import (
	"fmt"
	"time"
)

// DeviceConfig describes one configured device instance. It is immutable
// once loaded.
type DeviceConfig struct {
	ID        string          `json:"id" yaml:"id" mapstructure:"id"`
	Type      string          `json:"type" yaml:"type" mapstructure:"type"`
	Transport TransportConfig `json:"transport" yaml:"transport" mapstructure:"transport"`
	Settings  map[string]any  `json:"settings,omitempty" yaml:"settings,omitempty" mapstructure:"settings"`
}

type TransportKind string

const (
	TransportSerial    TransportKind = "serial"
	TransportTCP       TransportKind = "tcp"
	TransportSimulated TransportKind = "simulated"
)

// TransportConfig holds the parameters of one physical channel.
// Port is a serial device path for serial transports, Address is host:port
// for TCP. Simulated transports use Port as their address.
type TransportConfig struct {
	Kind     TransportKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	Port     string        `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Address  string        `json:"address,omitempty" yaml:"address,omitempty" mapstructure:"address"`
	BaudRate int           `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty" mapstructure:"baud_rate"`
	DataBits int           `json:"data_bits,omitempty" yaml:"data_bits,omitempty" mapstructure:"data_bits"`
	Parity   string        `json:"parity,omitempty" yaml:"parity,omitempty" mapstructure:"parity"`
	StopBits int           `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty" mapstructure:"stop_bits"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// Target returns the physical address the transport claims.
func (t TransportConfig) Target() string {
	switch t.Kind {
	case TransportTCP:
		return t.Address
	default:
		return t.Port
	}
}

// Setting returns the named setting or def if it is missing.
func (c DeviceConfig) Setting(key string, def any) any {
	if v, ok := c.Settings[key]; ok && v != nil {
		return v
	}
	return def
}

// IntSetting reads an integer setting. YAML and JSON decoders produce
// different numeric types, all of them are accepted as long as the value
// is integral.
func IntSetting(settings map[string]any, key string, def int64) (int64, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("setting %q: %v is not an integer", key, v)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("setting %q: unsupported type %T", key, v)
	}
}

// BoolSetting reads a boolean setting.
func BoolSetting(settings map[string]any, key string, def bool) (bool, error) {
	v, ok := settings[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("setting %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// DeviceInfo is the runtime view of a device exposed to the API.
type DeviceInfo struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Address   string `json:"address"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
}
