// Package runze drives Runze SV-06 multi-position distribution valves over
// their 8-byte binary serial protocol.
package runze

import (
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const Type = "runze-sv06"

var capabilities = []capability.Capability{
	{
		Name:        CapGetPosition,
		Description: "Current valve position",
		Result:      capability.KindInt,
	},
	{
		Name:        CapSetPosition,
		Description: "Rotate the valve to a position",
		Args: []capability.Arg{{
			Name:  "position",
			Kind:  capability.KindInt,
			Range: &capability.Range{Min: 1, Max: maxPorts},
		}},
		Result:     capability.KindNone,
		Restorable: true,
	},
}

func New() *driver.Driver {
	return &driver.Driver{
		Type:         Type,
		Description:  "Runze SV-06 distribution valve",
		Capabilities: capabilities,
		Transport: types.TransportConfig{
			Kind:     types.TransportSerial,
			BaudRate: 57600,
			DataBits: 8,
			Parity:   "none",
			StopBits: 1,
			Timeout:  time.Second,
		},
		NewCodec: func(cfg types.DeviceConfig) (codec.Codec, error) {
			return NewCodec(cfg.Settings)
		},
		Handshake: &codec.Command{Name: CapGetPosition},
		StartState: func(settings map[string]any) ([]codec.Command, error) {
			if _, ok := settings["position"]; !ok {
				return nil, nil
			}
			pos, err := types.IntSetting(settings, "position", 1)
			if err != nil {
				return nil, err
			}
			return []codec.Command{{Name: CapSetPosition, Args: []any{pos}}}, nil
		},
		Simulator: func(settings map[string]any) transport.Responder {
			addr, _ := types.IntSetting(settings, "address", 1)
			ports, _ := types.IntSetting(settings, "ports", 6)
			return NewSimulator(uint8(addr), ports)
		},
	}
}

// Simulator is an in-memory SV-06 valve.
type Simulator struct {
	mu       sync.Mutex
	address  uint8
	ports    int64
	position int64
	// Busy makes the valve answer "motor busy" to the next set command.
	Busy bool
}

func NewSimulator(address uint8, ports int64) *Simulator {
	return &Simulator{address: address, ports: ports, position: 1}
}

func (s *Simulator) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Simulator) Respond(request []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := DecodeFrame(request)
	if err != nil {
		return Frame{Address: s.address, Code: StatusFrameError}.Encode(), nil
	}
	if req.Address != s.address {
		// other valves on the bus stay silent
		return nil, nil
	}

	resp := Frame{Address: s.address, Code: StatusNormal}
	switch req.Code {
	case FuncGetPosition:
		resp.Param = uint16(s.position)
	case FuncSetPosition:
		pos := int64(req.Param)
		switch {
		case s.Busy:
			s.Busy = false
			resp.Code = StatusMotorBusy
		case pos < 1 || pos > s.ports:
			resp.Code = StatusParameterError
		default:
			s.position = pos
			resp.Param = uint16(pos)
		}
	default:
		resp.Code = StatusUnknownError
	}
	return resp.Encode(), nil
}
