package runze

import (
	"fmt"
	"slices"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	CapGetPosition = "get-position"
	CapSetPosition = "set-position"
)

var supportedHeads = []int64{6, 8, 10, 12, 16}

const maxPorts = 16

// Codec encodes SV-06 commands for one valve address and head size.
type Codec struct {
	address uint8
	ports   int64
}

func NewCodec(settings map[string]any) (codec.Codec, error) {
	addr, err := types.IntSetting(settings, "address", 1)
	if err != nil {
		return nil, err
	}
	if addr < 0 || addr > 0xFF {
		return nil, fmt.Errorf("setting \"address\": %d outside 0..255", addr)
	}
	ports, err := types.IntSetting(settings, "ports", 6)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(supportedHeads, ports) {
		return nil, fmt.Errorf("setting \"ports\": unsupported valve head %d (want one of %v)", ports, supportedHeads)
	}
	return &Codec{address: uint8(addr), ports: ports}, nil
}

func (c *Codec) Encode(cmd codec.Command) (codec.Frame, error) {
	req := Frame{Address: c.address}
	switch cmd.Name {
	case CapGetPosition:
		req.Code = FuncGetPosition
	case CapSetPosition:
		pos, err := codec.IntArg(cmd, 0, 1, maxPorts)
		if err != nil {
			return codec.Frame{}, err
		}
		if pos > c.ports {
			return codec.Frame{}, codec.Argument(cmd, "position", "%d outside 1..%d for a %d-port head", pos, c.ports, c.ports)
		}
		req.Code = FuncSetPosition
		req.Param = uint16(pos)
	default:
		return codec.Frame{}, codec.Encoding(cmd, "not a valve command")
	}
	return codec.Frame{Payload: req.Encode(), Reply: transport.Fixed(FrameLen)}, nil
}

func (c *Codec) Decode(cmd codec.Command, reply []byte) (codec.Result, error) {
	resp, err := DecodeFrame(reply)
	if err != nil {
		return codec.Result{}, codec.Decoding(cmd, reply, "%v", err)
	}
	if resp.Address != c.address {
		return codec.Result{}, codec.Decoding(cmd, reply, "reply from address %d, expected %d", resp.Address, c.address)
	}
	if resp.Code != StatusNormal {
		return codec.Result{}, &types.DeviceError{
			Code:    fmt.Sprintf("0x%02X", resp.Code),
			Message: StatusText(resp.Code),
		}
	}

	switch cmd.Name {
	case CapGetPosition:
		pos := int64(resp.Param & 0xFF)
		if pos < 1 || pos > c.ports {
			return codec.Result{}, codec.Decoding(cmd, reply, "position %d outside 1..%d", pos, c.ports)
		}
		return codec.Result{Value: pos}, nil
	case CapSetPosition:
		return codec.Result{}, nil
	}
	return codec.Result{}, codec.Decoding(cmd, reply, "not a valve command")
}
