package knauer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	CapGetValveType = "get-valve-type"
	CapGetPosition  = "get-position"
	CapSetPosition  = "set-position"
)

// Requests end in CRLF. The Ethernet interface ends a reply with CR; the
// serial interface is read line by line, so there a reply ends at LF.
const (
	requestEOL = "\r\n"
	tcpEOL     = "\r"
	serialEOL  = "\n"
)

// Valve heads as reported by the T command.
const (
	HeadInjection = "LI"
	Head6         = "6"
	Head12        = "12"
	Head16        = "16"
)

var headPositions = map[string]int64{
	Head6:  6,
	Head12: 12,
	Head16: 16,
}

var injectionPositions = map[string]string{
	"LOAD":   "L",
	"INJECT": "I",
}

var errorText = map[string]string{
	"E0": "valve refused to switch",
	"E1": "skipped switch, motor current too high",
	"E2": "switching to the next position took too long",
	"E3": "DIP switches 3 and 4 are not correct",
	"E4": "valve homing position not recognized",
	"E5": "DIP switches 1 and 2 are not correct",
	"E6": "memory error",
}

// Codec speaks the AZURA valve ASCII protocol. The accepted positions
// depend on the valve head, which the codec learns from the identity
// reply; each session therefore owns its own Codec.
type Codec struct {
	configured string
	replyEOL   string

	mu   sync.Mutex
	head string
}

func NewCodec(cfg types.DeviceConfig) (codec.Codec, error) {
	c := &Codec{replyEOL: tcpEOL}
	if cfg.Transport.Kind == types.TransportSerial {
		c.replyEOL = serialEOL
	}
	if v, ok := cfg.Settings["head"]; ok {
		head := strings.ToUpper(fmt.Sprint(v))
		if !validHead(head) {
			return nil, fmt.Errorf("setting \"head\": unsupported valve head %q", head)
		}
		c.configured = head
	}
	return c, nil
}

func validHead(head string) bool {
	_, numeric := headPositions[head]
	return numeric || head == HeadInjection
}

// Head returns the valve head learned from the device, if any.
func (c *Codec) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *Codec) Encode(cmd codec.Command) (codec.Frame, error) {
	var line string
	switch cmd.Name {
	case CapGetValveType:
		line = "T"
	case CapGetPosition:
		line = "P"
	case CapSetPosition:
		pos, err := codec.StringArg(cmd, 0)
		if err != nil {
			return codec.Frame{}, err
		}
		line, err = c.positionCode(cmd, pos)
		if err != nil {
			return codec.Frame{}, err
		}
	default:
		return codec.Frame{}, codec.Encoding(cmd, "not a valve command")
	}
	return codec.Frame{
		Payload: []byte(line + requestEOL),
		Reply:   transport.Delimited(c.replyEOL),
	}, nil
}

func (c *Codec) positionCode(cmd codec.Command, pos string) (string, error) {
	head := c.Head()
	if head == "" {
		return "", codec.Encoding(cmd, "valve head unknown, identify the valve first")
	}
	pos = strings.ToUpper(strings.TrimSpace(pos))
	if head == HeadInjection {
		if code, ok := injectionPositions[pos]; ok {
			return code, nil
		}
		return "", codec.Argument(cmd, "position", "%q is not LOAD or INJECT", pos)
	}
	n, err := strconv.ParseInt(pos, 10, 64)
	if err != nil || n < 1 || n > headPositions[head] {
		return "", codec.Argument(cmd, "position", "%q outside 1..%d", pos, headPositions[head])
	}
	return strconv.FormatInt(n, 10), nil
}

func (c *Codec) Decode(cmd codec.Command, reply []byte) (codec.Result, error) {
	line := strings.TrimSpace(string(reply))
	if line == "?" {
		return codec.Result{}, &types.DeviceError{Code: "?", Message: "command not understood"}
	}
	if len(line) == 2 && line[0] == 'E' && line[1] >= '0' && line[1] <= '9' {
		msg, ok := errorText[line]
		if !ok {
			msg = "unspecified error"
		}
		return codec.Result{}, &types.DeviceError{Code: line, Message: msg}
	}

	switch cmd.Name {
	case CapGetValveType:
		head, ok := strings.CutPrefix(line, "VALVE ")
		if !ok || !validHead(head) {
			return codec.Result{}, codec.Decoding(cmd, reply, "unrecognized valve type")
		}
		if c.configured != "" && head != c.configured {
			return codec.Result{}, codec.Decoding(cmd, reply, "valve reports head %s, configured %s", head, c.configured)
		}
		c.mu.Lock()
		c.head = head
		c.mu.Unlock()
		return codec.Result{Value: head}, nil

	case CapGetPosition:
		head := c.Head()
		if head == HeadInjection {
			for name, code := range injectionPositions {
				if line == code {
					return codec.Result{Value: name}, nil
				}
			}
			return codec.Result{}, codec.Decoding(cmd, reply, "unexpected injection valve position")
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil || n < 1 || (head != "" && n > headPositions[head]) {
			return codec.Result{}, codec.Decoding(cmd, reply, "unexpected position")
		}
		return codec.Result{Value: line}, nil

	case CapSetPosition:
		if line == "" || line == "OK" {
			return codec.Result{}, nil
		}
		return codec.Result{}, codec.Decoding(cmd, reply, "expected acknowledgement")
	}
	return codec.Result{}, codec.Decoding(cmd, reply, "not a valve command")
}
