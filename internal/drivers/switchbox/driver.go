// Package switchbox drives the MPIKG electronic switch box: four 16-bit
// relay ports with configurable power-on words, two 12-bit analog outputs
// (0-10 V) and eight analog inputs (0-5 V), over a 57600 baud line protocol.
package switchbox

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const Type = "mpikg-switch-box"

func New() *driver.Driver {
	return &driver.Driver{
		Type:         Type,
		Description:  "MPIKG electronic switch box",
		Capabilities: capabilities,
		Transport: types.TransportConfig{
			Kind:     types.TransportSerial,
			BaudRate: 57600,
			DataBits: 8,
			Parity:   "none",
			StopBits: 1,
			Timeout:  time.Second,
		},
		NewCodec: func(types.DeviceConfig) (codec.Codec, error) {
			return Codec{}, nil
		},
		Handshake:  &codec.Command{Name: CapGetVersion},
		StartState: startState,
		SafeState:  safeState,
		Simulator: func(map[string]any) transport.Responder {
			return NewSimulator()
		},
	}
}

// startState applies the configured power-on words. For every port with a
// "start<port>" setting the word is stored as power-on value and written
// to the live output; "dac1"/"dac2" settings preset the analog outputs.
func startState(settings map[string]any) ([]codec.Command, error) {
	var cmds []codec.Command
	for _, p := range portNames {
		key := "start" + p
		if _, ok := settings[key]; !ok {
			continue
		}
		v, err := types.IntSetting(settings, key, 0)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > maxPortValue {
			return nil, fmt.Errorf("setting %q: %d outside 0..%d", key, v, maxPortValue)
		}
		cmds = append(cmds,
			codec.Command{Name: CapSetStart, Args: []any{p, v}},
			codec.Command{Name: CapSetPort, Args: []any{p, v}},
		)
	}
	for ch := int64(1); ch <= 2; ch++ {
		key := fmt.Sprintf("dac%d", ch)
		if _, ok := settings[key]; !ok {
			continue
		}
		v, err := types.IntSetting(settings, key, 0)
		if err != nil {
			return nil, err
		}
		if v < 0 || v > maxDACValue {
			return nil, fmt.Errorf("setting %q: %d outside 0..%d", key, v, maxDACValue)
		}
		cmds = append(cmds, codec.Command{Name: CapSetDAC, Args: []any{ch, v}})
	}
	return cmds, nil
}

// safeState switches every output off when "safe_shutdown" is set.
func safeState(settings map[string]any) ([]codec.Command, error) {
	enabled, err := types.BoolSetting(settings, "safe_shutdown", false)
	if err != nil || !enabled {
		return nil, err
	}
	return []codec.Command{
		{Name: CapSetPorts, Args: []any{[]int64{0, 0, 0, 0}}},
		{Name: CapSetDAC, Args: []any{int64(1), int64(0)}},
		{Name: CapSetDAC, Args: []any{int64(2), int64(0)}},
	}, nil
}
