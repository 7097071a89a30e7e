package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// ReadSpec tells ReadUntil when a reply frame is complete: either after
// Length bytes, or once Delimiter has been received.
type ReadSpec struct {
	Delimiter []byte
	Length    int
}

func Delimited(delim string) ReadSpec { return ReadSpec{Delimiter: []byte(delim)} }

func Fixed(n int) ReadSpec { return ReadSpec{Length: n} }

// Transport is the exclusive owner of one physical channel. Calls are
// synchronous and must not overlap; the owning session serialises them.
//
// Errors wrap types.ErrAddressUnavailable when the channel cannot be
// acquired or was lost, and types.ErrTimeout when a read did not complete.
type Transport interface {
	Open() error
	Write(p []byte) error
	// ReadUntil returns one frame including its delimiter.
	ReadUntil(spec ReadSpec, timeout time.Duration) ([]byte, error)
	// Flush discards buffered input that no request is waiting for.
	Flush() error
	Close() error
	Address() string
}

var (
	claimsMu sync.Mutex
	claims   = make(map[string]struct{})
)

// claim reserves addr for the calling transport. At most one open handle
// may exist per physical address in the process.
func claim(addr string) error {
	claimsMu.Lock()
	defer claimsMu.Unlock()
	if _, taken := claims[addr]; taken {
		return fmt.Errorf("%w: %s is already open", types.ErrAddressUnavailable, addr)
	}
	claims[addr] = struct{}{}
	return nil
}

func release(addr string) {
	claimsMu.Lock()
	delete(claims, addr)
	claimsMu.Unlock()
}

// readFunc reads whatever is available before deadline. It returns 0, nil
// when the deadline passed without data.
type readFunc func(buf []byte, deadline time.Time) (int, error)

// framer accumulates input and cuts it into frames. Bytes received after
// a complete frame stay pending for the next read.
type framer struct {
	pending []byte
	buf     [256]byte
}

func (f *framer) read(src readFunc, spec ReadSpec, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if frame, ok := f.take(spec); ok {
			return frame, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: no complete reply within %s (%d bytes pending)",
				types.ErrTimeout, timeout, len(f.pending))
		}
		n, err := src(f.buf[:], deadline)
		if n > 0 {
			f.pending = append(f.pending, f.buf[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (f *framer) take(spec ReadSpec) ([]byte, bool) {
	end := -1
	switch {
	case spec.Length > 0:
		if len(f.pending) >= spec.Length {
			end = spec.Length
		}
	case len(spec.Delimiter) > 0:
		if idx := bytes.Index(f.pending, spec.Delimiter); idx >= 0 {
			end = idx + len(spec.Delimiter)
		}
	default:
		if len(f.pending) > 0 {
			end = len(f.pending)
		}
	}
	if end < 0 {
		return nil, false
	}
	frame := make([]byte, end)
	copy(frame, f.pending[:end])
	f.pending = append(f.pending[:0], f.pending[end:]...)
	return frame, true
}

func (f *framer) reset() {
	f.pending = f.pending[:0]
}
