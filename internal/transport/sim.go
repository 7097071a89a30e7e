package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// ErrDisconnected is returned by a Responder to simulate the link dropping
// while a command is on the wire.
var ErrDisconnected = errors.New("simulated link lost")

// Responder models a device behind a simulated transport. It receives each
// written request and returns the bytes the device answers with. A nil
// reply means the device stays silent.
type Responder interface {
	Respond(request []byte) ([]byte, error)
}

type ResponderFunc func(request []byte) ([]byte, error)

func (f ResponderFunc) Respond(request []byte) ([]byte, error) { return f(request) }

// Simulated is an in-memory Transport driven by a Responder.
type Simulated struct {
	address   string
	responder Responder

	mu        sync.Mutex
	open      bool
	lostLink  bool
	incoming  []byte
	framer    framer
	arrived   chan struct{}
	writes    int
	openCount int
}

func NewSimulated(address string, responder Responder) *Simulated {
	return &Simulated{
		address:   address,
		responder: responder,
		arrived:   make(chan struct{}, 1),
	}
}

func (s *Simulated) Address() string { return s.address }

func (s *Simulated) claimKey() string { return "sim://" + s.address }

func (s *Simulated) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}
	if err := claim(s.claimKey()); err != nil {
		return err
	}
	s.open = true
	s.lostLink = false
	s.incoming = nil
	s.framer.reset()
	s.openCount++
	return nil
}

func (s *Simulated) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	s.writes++

	reply, err := s.responder.Respond(append([]byte(nil), p...))
	if errors.Is(err, ErrDisconnected) {
		s.lostLink = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrAddressUnavailable, s.address, err)
	}
	if len(reply) > 0 {
		s.incoming = append(s.incoming, reply...)
		select {
		case s.arrived <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Simulated) ReadUntil(spec ReadSpec, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.framer.read(s.readSome, spec, timeout)
}

// readSome is called with s.mu held. It releases the lock while waiting so
// Inject and Disconnect from other goroutines are not blocked.
func (s *Simulated) readSome(buf []byte, deadline time.Time) (int, error) {
	for len(s.incoming) == 0 {
		if s.lostLink {
			return 0, fmt.Errorf("%w: %s: link lost", types.ErrAddressUnavailable, s.address)
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		s.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-s.arrived:
		case <-timer.C:
		}
		timer.Stop()
		s.mu.Lock()
	}
	n := copy(buf, s.incoming)
	s.incoming = s.incoming[n:]
	return n, nil
}

func (s *Simulated) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incoming = nil
	s.framer.reset()
	return nil
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	release(s.claimKey())
	return nil
}

// Inject queues bytes as if the device had sent them unsolicited.
func (s *Simulated) Inject(p []byte) {
	s.mu.Lock()
	s.incoming = append(s.incoming, p...)
	s.mu.Unlock()
	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

// Disconnect drops the link. Every later operation fails with
// AddressUnavailable until the transport is reopened.
func (s *Simulated) Disconnect() {
	s.mu.Lock()
	s.lostLink = true
	s.mu.Unlock()
	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

// Writes reports how many frames were written since creation.
func (s *Simulated) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Opens reports how many times the transport was opened.
func (s *Simulated) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCount
}

func (s *Simulated) usable() error {
	if !s.open {
		return fmt.Errorf("%w: %s is not open", types.ErrAddressUnavailable, s.address)
	}
	if s.lostLink {
		return fmt.Errorf("%w: %s: link lost", types.ErrAddressUnavailable, s.address)
	}
	return nil
}
