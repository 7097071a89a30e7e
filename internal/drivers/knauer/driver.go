// Package knauer drives Knauer AZURA valves (6-port injection valves and
// 6/12/16 position selectors) over their Ethernet or serial ASCII protocol.
package knauer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const Type = "knauer-valve"

var capabilities = []capability.Capability{
	{
		Name:        CapGetValveType,
		Description: "Valve head (LI, 6, 12 or 16)",
		Result:      capability.KindString,
	},
	{
		Name:        CapGetPosition,
		Description: "Current position (LOAD/INJECT or a port number)",
		Result:      capability.KindString,
	},
	{
		Name:        CapSetPosition,
		Description: "Switch to a position (LOAD/INJECT or a port number)",
		Args: []capability.Arg{{
			Name:        "position",
			Kind:        capability.KindString,
			Description: "LOAD or INJECT for injection valves, 1..N otherwise",
		}},
		Result:     capability.KindNone,
		Restorable: true,
	},
}

func New() *driver.Driver {
	return &driver.Driver{
		Type:         Type,
		Description:  "Knauer AZURA valve",
		Capabilities: capabilities,
		Transport: types.TransportConfig{
			Kind:     types.TransportTCP,
			BaudRate: 9600,
			Timeout:  time.Second,
		},
		NewCodec:  NewCodec,
		Handshake: &codec.Command{Name: CapGetValveType},
		StartState: func(settings map[string]any) ([]codec.Command, error) {
			v, ok := settings["position"]
			if !ok {
				return nil, nil
			}
			return []codec.Command{{Name: CapSetPosition, Args: []any{fmt.Sprint(v)}}}, nil
		},
		Simulator: func(settings map[string]any) transport.Responder {
			head := HeadInjection
			if v, ok := settings["head"]; ok {
				head = strings.ToUpper(fmt.Sprint(v))
			}
			return NewSimulator(head)
		},
	}
}

// Simulator is an in-memory AZURA valve.
type Simulator struct {
	mu       sync.Mutex
	head     string
	position string
}

func NewSimulator(head string) *Simulator {
	pos := "1"
	if head == HeadInjection {
		pos = "L"
	}
	return &Simulator{head: head, position: pos}
}

func (s *Simulator) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Simulator) Respond(request []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := strings.TrimSpace(string(request))
	var reply string
	switch {
	case line == "T":
		reply = "VALVE " + s.head
	case line == "P":
		reply = s.position
	case s.head == HeadInjection && (line == "L" || line == "I"):
		s.position = line
		reply = "OK"
	default:
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			reply = "?"
			break
		}
		if limit, ok := headPositions[s.head]; !ok || n < 1 || n > limit {
			reply = "E0"
			break
		}
		s.position = line
		reply = "OK"
	}
	// CRLF satisfies both the Ethernet and the serial framing
	return []byte(reply + "\r\n"), nil
}
