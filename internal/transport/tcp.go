package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const defaultDialTimeout = 3 * time.Second

// TCP is a Transport over a plain TCP stream, e.g. a device with an
// Ethernet port or a serial-to-Ethernet bridge.
type TCP struct {
	address     string
	dialTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	framer framer
}

func NewTCP(address string, dialTimeout time.Duration) *TCP {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &TCP{address: address, dialTimeout: dialTimeout}
}

func (t *TCP) Address() string { return t.address }

func (t *TCP) claimKey() string { return "tcp://" + t.address }

// Open dials the remote end.
func (t *TCP) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	if err := claim(t.claimKey()); err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", t.address, t.dialTimeout)
	if err != nil {
		release(t.claimKey())
		return fmt.Errorf("%w: connect %s: %w", types.ErrAddressUnavailable, t.address, err)
	}
	t.conn = conn
	t.framer.reset()
	return nil
}

func (t *TCP) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("%w: %s is not connected", types.ErrAddressUnavailable, t.address)
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.dialTimeout)); err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrAddressUnavailable, t.address, err)
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("%w: write %s: %w", types.ErrAddressUnavailable, t.address, err)
	}
	return nil
}

func (t *TCP) ReadUntil(spec ReadSpec, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, fmt.Errorf("%w: %s is not connected", types.ErrAddressUnavailable, t.address)
	}
	return t.framer.read(t.readSome, spec, timeout)
}

func (t *TCP) readSome(buf []byte, deadline time.Time) (int, error) {
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", types.ErrAddressUnavailable, t.address, err)
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, fmt.Errorf("%w: read %s: %w", types.ErrAddressUnavailable, t.address, err)
	}
	return n, nil
}

// Flush drops pending input and anything already queued on the socket.
func (t *TCP) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.framer.reset()
	if t.conn == nil {
		return nil
	}
	var scratch [256]byte
	for {
		n, err := t.readSome(scratch[:], time.Now().Add(time.Millisecond))
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	release(t.claimKey())
	return err
}
