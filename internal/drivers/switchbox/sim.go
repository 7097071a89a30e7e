package switchbox

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Simulator is an in-memory switch box speaking the same line protocol as
// the hardware.
type Simulator struct {
	mu      sync.Mutex
	Version string
	ports   map[string]int64
	starts  map[string]int64
	dac     [3]int64
	ADC     [adcChannels]float64
}

func NewSimulator() *Simulator {
	s := &Simulator{
		Version: "SwitchBox MPIKG V1.2",
		ports:   make(map[string]int64, len(portNames)),
		starts:  make(map[string]int64, len(portNames)),
	}
	for i := range s.ADC {
		s.ADC[i] = 0.5 * float64(i)
	}
	return s
}

// PowerCycle resets the outputs to the stored power-on words.
func (s *Simulator) PowerCycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range portNames {
		s.ports[p] = s.starts[p]
	}
	s.dac = [3]int64{}
}

// Port returns the current word of port p.
func (s *Simulator) Port(p string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[p]
}

// DAC returns the raw value of DAC channel ch.
func (s *Simulator) DAC(ch int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dac[ch]
}

func (s *Simulator) Respond(request []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := strings.TrimSpace(string(request))
	verb, rest, _ := strings.Cut(line, " ")
	var reply string
	switch verb {
	case "get":
		reply = s.get(rest)
	case "set":
		reply = s.set(rest)
	default:
		reply = "ERROR unknown command"
	}
	return WireReply(reply), nil
}

// WireReply wraps reply text the way the firmware puts it on the wire.
func WireReply(reply string) []byte {
	return []byte("\n" + reply + "\r\n" + prompt)
}

func (s *Simulator) get(target string) string {
	switch {
	case target == "ver":
		return s.Version
	case target == "abcd":
		parts := make([]string, len(portNames))
		for i, p := range portNames {
			parts[i] = fmt.Sprintf("%s:%d", p, s.ports[p])
		}
		return strings.Join(parts, ",")
	case target == "adcx":
		parts := make([]string, adcChannels)
		for i, v := range s.ADC {
			parts[i] = fmt.Sprintf("ADC%d:%.3f", i, v)
		}
		return strings.Join(parts, ";")
	case strings.HasPrefix(target, "adc"):
		ch, err := strconv.Atoi(strings.TrimPrefix(target, "adc"))
		if err != nil || ch < 0 || ch >= adcChannels {
			return "ERROR no such channel"
		}
		return fmt.Sprintf("%.3f", s.ADC[ch])
	case target == "dac1" || target == "dac2":
		return strconv.FormatInt(s.dac[target[3]-'0'], 10)
	case strings.HasPrefix(target, "start"):
		p := strings.TrimPrefix(target, "start")
		if _, ok := s.lookup(p); !ok {
			return "ERROR no such port"
		}
		return strconv.FormatInt(s.starts[p], 10)
	default:
		if _, ok := s.lookup(target); !ok {
			return "ERROR unknown command"
		}
		return strconv.FormatInt(s.ports[target], 10)
	}
}

func (s *Simulator) set(arg string) string {
	target, value, ok := strings.Cut(arg, ":")
	if !ok {
		return "ERROR syntax"
	}

	if target == "abcd" {
		fields := strings.Split(value, ",")
		if len(fields) != len(portNames) {
			return "ERROR syntax"
		}
		values := make([]int64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseInt(f, 10, 64)
			if err != nil || v < 0 || v > maxPortValue {
				return "ERROR value"
			}
			values[i] = v
		}
		for i, p := range portNames {
			s.ports[p] = values[i]
		}
		return ""
	}

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v < 0 {
		return "ERROR value"
	}
	switch {
	case target == "dac1" || target == "dac2":
		if v > maxDACValue {
			return "ERROR value"
		}
		s.dac[target[3]-'0'] = v
	case strings.HasPrefix(target, "start"):
		p := strings.TrimPrefix(target, "start")
		if _, ok := s.lookup(p); !ok || v > maxPortValue {
			return "ERROR value"
		}
		s.starts[p] = v
	default:
		if _, ok := s.lookup(target); !ok || v > maxPortValue {
			return "ERROR value"
		}
		s.ports[target] = v
	}
	return ""
}

func (s *Simulator) lookup(p string) (int64, bool) {
	for _, name := range portNames {
		if p == name {
			return s.ports[p], true
		}
	}
	return 0, false
}
