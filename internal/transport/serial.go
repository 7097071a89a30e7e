package transport

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	defaultBaudRate = 9600
	defaultDataBits = 8
)

// Serial is a Transport over a local serial port.
type Serial struct {
	name string
	mode *serial.Mode

	mu     sync.Mutex
	port   serial.Port
	framer framer
}

func NewSerial(cfg types.TransportConfig) (*Serial, error) {
	mode, err := serialMode(cfg)
	if err != nil {
		return nil, err
	}
	return &Serial{name: cfg.Port, mode: mode}, nil
}

func serialMode(cfg types.TransportConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = defaultBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = defaultDataBits
	}

	switch strings.ToLower(cfg.Parity) {
	case "", "n", "none":
	case "e", "even":
		mode.Parity = serial.EvenParity
	case "o", "odd":
		mode.Parity = serial.OddParity
	case "m", "mark":
		mode.Parity = serial.MarkParity
	case "s", "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", cfg.StopBits)
	}
	return mode, nil
}

func (s *Serial) Address() string { return s.name }

func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}
	if err := claim(s.name); err != nil {
		return err
	}

	port, err := serial.Open(s.name, s.mode)
	if err != nil {
		release(s.name)
		return fmt.Errorf("%w: open %s: %w", types.ErrAddressUnavailable, s.name, err)
	}
	s.port = port
	s.framer.reset()
	return nil
}

func (s *Serial) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return fmt.Errorf("%w: %s is not open", types.ErrAddressUnavailable, s.name)
	}
	if _, err := s.port.Write(p); err != nil {
		return s.lost("write", err)
	}
	return nil
}

func (s *Serial) ReadUntil(spec ReadSpec, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, fmt.Errorf("%w: %s is not open", types.ErrAddressUnavailable, s.name)
	}
	return s.framer.read(func(buf []byte, deadline time.Time) (int, error) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return 0, s.lost("set read timeout", err)
		}
		// go.bug.st/serial returns 0, nil when the read timeout expires.
		n, err := s.port.Read(buf)
		if err != nil {
			return n, s.lost("read", err)
		}
		return n, nil
	}, spec, timeout)
}

func (s *Serial) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.framer.reset()
	if s.port == nil {
		return nil
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return s.lost("reset input buffer", err)
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	release(s.name)
	return err
}

// lost classifies an I/O failure on an open port. Any failure after open
// means the device went away (unplugged adapter, closed handle).
func (s *Serial) lost(op string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return fmt.Errorf("%w: %s %s: %s", types.ErrAddressUnavailable, op, s.name, portErr.EncodedErrorString())
	}
	return fmt.Errorf("%w: %s %s: %w", types.ErrAddressUnavailable, op, s.name, err)
}
