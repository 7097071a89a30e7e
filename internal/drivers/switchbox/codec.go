package switchbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Requests are ASCII lines terminated by CR. The firmware answers with
// LF, the reply text and CR, then LF and its ">" prompt. A frame ends at
// the CR; the prompt that follows is dropped by the input flush before the
// next request. Acknowledgements are empty or "OK".
const (
	requestEOL = "\r"
	replyEOL   = "\r"
	prompt     = ">"
)

// Codec speaks the line protocol of the switch box. It is stateless.
type Codec struct{}

func (Codec) Encode(cmd codec.Command) (codec.Frame, error) {
	line, err := encodeLine(cmd)
	if err != nil {
		return codec.Frame{}, err
	}
	return codec.Frame{
		Payload: []byte(line + requestEOL),
		Reply:   transport.Delimited(replyEOL),
	}, nil
}

func encodeLine(cmd codec.Command) (string, error) {
	switch cmd.Name {
	case CapGetVersion:
		return "get ver", nil

	case CapSetPort, CapSetStart:
		port, err := portName(cmd)
		if err != nil {
			return "", err
		}
		v, err := codec.IntArg(cmd, 1, 0, maxPortValue)
		if err != nil {
			return "", err
		}
		if cmd.Name == CapSetStart {
			port = "start" + port
		}
		return fmt.Sprintf("set %s:%d", port, v), nil

	case CapGetPort, CapGetStart:
		port, err := portName(cmd)
		if err != nil {
			return "", err
		}
		if cmd.Name == CapGetStart {
			port = "start" + port
		}
		return "get " + port, nil

	case CapSetPorts:
		values, err := codec.IntListArg(cmd, 0, len(portNames), 0, maxPortValue)
		if err != nil {
			return "", err
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = strconv.FormatInt(v, 10)
		}
		return "set abcd:" + strings.Join(parts, ","), nil

	case CapGetPorts:
		return "get abcd", nil

	case CapSetChannels:
		port, err := portName(cmd)
		if err != nil {
			return "", err
		}
		channels, err := codec.IntListArg(cmd, 1, 8, 0, 2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("set %s:%d", port, ChannelWord(channels)), nil

	case CapSetDAC:
		ch, err := codec.IntArg(cmd, 0, 1, 2)
		if err != nil {
			return "", err
		}
		v, err := codec.IntArg(cmd, 1, 0, maxDACValue)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("set dac%d:%d", ch, v), nil

	case CapSetDACVoltage:
		ch, err := codec.IntArg(cmd, 0, 1, 2)
		if err != nil {
			return "", err
		}
		volts, err := codec.FloatArg(cmd, 1, 0, dacVolts)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("set dac%d:%d", ch, VoltsToDAC(volts)), nil

	case CapGetDAC:
		ch, err := codec.IntArg(cmd, 0, 1, 2)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("get dac%d", ch), nil

	case CapGetADC:
		ch, err := codec.IntArg(cmd, 0, 0, adcChannels-1)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("get adc%d", ch), nil

	case CapGetADCAll:
		return "get adcx", nil
	}
	return "", codec.Encoding(cmd, "not a switch box command")
}

func portName(cmd codec.Command) (string, error) {
	p, err := codec.StringArg(cmd, 0)
	if err != nil {
		return "", err
	}
	p = strings.ToLower(p)
	for _, name := range portNames {
		if p == name {
			return p, nil
		}
	}
	return "", codec.Encoding(cmd, "unknown port %q", p)
}

func (Codec) Decode(cmd codec.Command, reply []byte) (codec.Result, error) {
	line := replyText(reply)
	if strings.HasPrefix(line, "ERROR") {
		return codec.Result{}, &types.DeviceError{Message: strings.TrimSpace(strings.TrimPrefix(line, "ERROR"))}
	}

	switch cmd.Name {
	case CapSetPort, CapSetStart, CapSetPorts, CapSetChannels, CapSetDAC, CapSetDACVoltage:
		if line == "" || strings.HasPrefix(line, "OK") {
			return codec.Result{}, nil
		}
		return codec.Result{}, codec.Decoding(cmd, reply, "expected acknowledgement")

	case CapGetVersion:
		if line == "" {
			return codec.Result{}, codec.Decoding(cmd, reply, "empty version")
		}
		return codec.Result{Value: line}, nil

	case CapGetPort, CapGetStart:
		v, err := parseUint(lastField(line), maxPortValue)
		if err != nil {
			return codec.Result{}, codec.Decoding(cmd, reply, "%v", err)
		}
		return codec.Result{Value: v}, nil

	case CapGetPorts:
		fields := strings.Split(line, ",")
		if len(fields) != len(portNames) {
			return codec.Result{}, codec.Decoding(cmd, reply, "expected %d port values", len(portNames))
		}
		record := make(map[string]any, len(portNames))
		for i, f := range fields {
			v, err := parseUint(lastField(f), maxPortValue)
			if err != nil {
				return codec.Result{}, codec.Decoding(cmd, reply, "port %s: %v", portNames[i], err)
			}
			record[portNames[i]] = v
		}
		return codec.Result{Value: record}, nil

	case CapGetDAC:
		raw, err := parseUint(lastField(line), maxDACValue)
		if err != nil {
			return codec.Result{}, codec.Decoding(cmd, reply, "%v", err)
		}
		return codec.Result{Value: map[string]any{"raw": raw, "volts": DACToVolts(raw)}}, nil

	case CapGetADC:
		v, err := parseVolts(lastField(line))
		if err != nil {
			return codec.Result{}, codec.Decoding(cmd, reply, "%v", err)
		}
		return codec.Result{Value: v}, nil

	case CapGetADCAll:
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ';' || r == ',' })
		if len(fields) != adcChannels {
			return codec.Result{}, codec.Decoding(cmd, reply, "expected %d channels", adcChannels)
		}
		record := make(map[string]any, adcChannels)
		for i, f := range fields {
			v, err := parseVolts(lastField(f))
			if err != nil {
				return codec.Result{}, codec.Decoding(cmd, reply, "channel %d: %v", i, err)
			}
			record[fmt.Sprintf("adc%d", i)] = v
		}
		return codec.Result{Value: record}, nil
	}
	return codec.Result{}, codec.Decoding(cmd, reply, "not a switch box command")
}

// replyText strips the leading LF, the trailing CR and a prompt left over
// from an earlier exchange.
func replyText(reply []byte) string {
	return strings.TrimSpace(strings.TrimLeft(string(reply), "\r\n "+prompt))
}

// lastField strips an optional "name:" prefix from a reply value.
func lastField(s string) string {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func parseUint(s string, limit int64) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a decimal integer", s)
	}
	if v < 0 || v > limit {
		return 0, fmt.Errorf("%d outside 0..%d", v, limit)
	}
	return v, nil
}

func parseVolts(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("%q is not a voltage", s)
	}
	if v < 0 || v > adcVolts {
		return 0, fmt.Errorf("%g V outside 0..%g V", v, adcVolts)
	}
	return v, nil
}

// ChannelWord packs eight relay channel values into a port word. Channel i
// switched on sets bit 8+i; full power additionally sets bit i.
func ChannelWord(channels []int64) int64 {
	var word int64
	for i, v := range channels {
		if v >= 1 {
			word |= 1 << (8 + i)
		}
		if v == 2 {
			word |= 1 << i
		}
	}
	return word
}

// VoltsToDAC converts 0..10 V to 12-bit DAC counts.
func VoltsToDAC(volts float64) int64 {
	return int64(math.Round(volts * maxDACValue / dacVolts))
}

// DACToVolts converts 12-bit DAC counts to volts.
func DACToVolts(raw int64) float64 {
	return float64(raw) * dacVolts / maxDACValue
}
