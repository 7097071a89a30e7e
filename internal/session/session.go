// Package session owns the live connection to one device. Every command
// against the device runs on a single worker goroutine in arrival order,
// so at most one request/reply exchange is ever in flight per device.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/capability"
	"github.com/KevinKickass/OpenLabCore/internal/codec"
	"github.com/KevinKickass/OpenLabCore/internal/driver"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/transport"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Options is the retry and fault policy of a session.
type Options struct {
	// Timeout bounds each reply read. A timeout set on the device's
	// transport takes precedence, the driver default applies when both
	// are zero.
	Timeout time.Duration
	// Retries is how often a timed-out command is resent.
	Retries      int
	RetryBackoff time.Duration
	// FaultAfter consecutive invocations that exhausted their retries
	// fault the session. Zero disables the rule.
	FaultAfter        int
	KeepaliveInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:      time.Second,
		Retries:      3,
		RetryBackoff: 50 * time.Millisecond,
		FaultAfter:   3,
	}
}

type outcome struct {
	result codec.Result
	err    error
}

type request struct {
	ctx   context.Context
	run   func() (codec.Result, error)
	final bool
	reply chan outcome
}

type restoreEntry struct {
	slot string
	cmd  codec.Command
}

// Session is the Device Session of one configured device.
type Session struct {
	cfg       types.DeviceConfig
	drv       *driver.Driver
	transport transport.Transport
	codec     codec.Codec
	opts      Options
	timeout   time.Duration
	logger    *zap.Logger
	sink      events.Sink

	requests chan *request
	done     chan struct{}

	mu      sync.RWMutex
	state   State
	lastErr error

	kaMu      sync.Mutex
	keepalive *keepalive

	// owned by the worker goroutine
	linkOpen   bool
	failStreak int
	restore    []restoreEntry
}

// New builds the transport and codec the device's driver asks for and
// starts the session worker. The transport is not opened until Initialize.
func New(cfg types.DeviceConfig, drv *driver.Driver, opts Options, logger *zap.Logger, sink events.Sink) (*Session, error) {
	t, err := drv.NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(cfg, drv, t, opts, logger, sink)
}

// NewWithTransport is New with a caller-supplied transport.
func NewWithTransport(cfg types.DeviceConfig, drv *driver.Driver, t transport.Transport, opts Options, logger *zap.Logger, sink events.Sink) (*Session, error) {
	c, err := drv.BuildCodec(cfg)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
	}
	if sink == nil {
		sink = events.Discard
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	timeout := cfg.Transport.Timeout
	if timeout == 0 {
		timeout = opts.Timeout
	}
	if timeout == 0 {
		timeout = drv.Transport.Timeout
	}
	if timeout == 0 {
		timeout = time.Second
	}

	s := &Session{
		cfg:       cfg,
		drv:       drv,
		transport: t,
		codec:     c,
		opts:      opts,
		timeout:   timeout,
		logger:    logger.With(zap.String("device", cfg.ID), zap.String("type", cfg.Type)),
		sink:      sink,
		requests:  make(chan *request),
		done:      make(chan struct{}),
		state:     StateUninitialized,
	}
	go s.run()
	return s, nil
}

func (s *Session) ID() string { return s.cfg.ID }

func (s *Session) Type() string { return s.cfg.Type }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info reports the session for the external interface layer.
func (s *Session) Info() types.DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := types.DeviceInfo{
		ID:      s.cfg.ID,
		Type:    s.cfg.Type,
		Address: s.transport.Address(),
		State:   s.state.String(),
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Initialize opens the transport, confirms the device identity and applies
// the configured start state. Calling it on a Ready session is a no-op.
func (s *Session) Initialize(ctx context.Context) error {
	_, err := s.submit(ctx, false, func() (codec.Result, error) {
		if s.State() == StateReady {
			return codec.Result{}, nil
		}
		return codec.Result{}, s.initialize(false)
	})
	if err == nil {
		s.startKeepalive()
	}
	return err
}

// Reconnect closes and reopens the transport, reapplies the start state
// and then replays the last successful value of every restorable setting.
// It is the only way out of Faulted.
func (s *Session) Reconnect(ctx context.Context) error {
	_, err := s.submit(ctx, false, func() (codec.Result, error) {
		return codec.Result{}, s.initialize(true)
	})
	if err == nil {
		s.startKeepalive()
	}
	return err
}

// Invoke runs one validated capability call. Concurrent callers are
// served first come, first served. A caller whose context ends stops
// waiting, but an exchange that already started always runs to completion
// so the next command sees an aligned link.
func (s *Session) Invoke(ctx context.Context, c capability.Capability, args []any) (codec.Result, error) {
	if err := s.available(); err != nil {
		return codec.Result{}, err
	}

	cmd := codec.Command{Name: c.Name, Args: args}
	return s.submit(ctx, false, func() (codec.Result, error) {
		if err := s.available(); err != nil {
			return codec.Result{}, err
		}
		res, err := s.execute(cmd)
		if err != nil {
			ev := events.New(events.KindInvocationFailed, s.cfg.ID)
			ev.Capability = c.Name
			ev.Detail = err.Error()
			s.sink.Emit(ev)
			return res, err
		}
		if c.Restorable {
			s.remember(c.RestoreSlot(args), cmd)
		}
		return res, nil
	})
}

// Shutdown applies the driver's safe state when the device is Ready,
// closes the transport and stops the worker. Repeated calls are no-ops.
// ctx bounds only the wait; the shutdown itself is always carried out.
func (s *Session) Shutdown(ctx context.Context) error {
	s.stopKeepalive()

	req := &request{
		ctx:   context.WithoutCancel(ctx),
		run:   func() (codec.Result, error) { return codec.Result{}, s.shutdown() },
		final: true,
		reply: make(chan outcome, 1),
	}
	go func() {
		select {
		case s.requests <- req:
		case <-s.done:
			req.reply <- outcome{}
		}
	}()

	select {
	case out := <-req.reply:
		return out.err
	case <-ctx.Done():
		return fmt.Errorf("shutdown of %s still pending: %w", s.cfg.ID, ctx.Err())
	}
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run() {
	defer close(s.done)
	for req := range s.requests {
		if !req.final && req.ctx.Err() != nil {
			// caller gave up while queued, the link was never touched
			req.reply <- outcome{err: abandoned(req.ctx.Err())}
			continue
		}
		res, err := req.run()
		req.reply <- outcome{result: res, err: err}
		if req.final {
			return
		}
	}
}

func (s *Session) submit(ctx context.Context, final bool, fn func() (codec.Result, error)) (codec.Result, error) {
	req := &request{ctx: ctx, run: fn, final: final, reply: make(chan outcome, 1)}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return codec.Result{}, abandoned(ctx.Err())
	case <-s.done:
		return codec.Result{}, fmt.Errorf("%w: %s is closed", types.ErrDeviceUnavailable, s.cfg.ID)
	}

	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-ctx.Done():
		return codec.Result{}, abandoned(ctx.Err())
	}
}

func abandoned(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: caller deadline exceeded: %w", types.ErrTimeout, err)
	}
	return fmt.Errorf("invocation abandoned: %w", err)
}

func (s *Session) available() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateReady, StateExecuting:
		return nil
	case StateFaulted:
		return fmt.Errorf("%w: %s faulted: %v", types.ErrDeviceUnavailable, s.cfg.ID, s.lastErr)
	case StateUninitialized, StateOpening:
		return fmt.Errorf("%w: %s is not initialized", types.ErrDeviceUnavailable, s.cfg.ID)
	default:
		return fmt.Errorf("%w: %s is %s", types.ErrDeviceUnavailable, s.cfg.ID, s.state)
	}
}

func (s *Session) transition(to State, cause error) {
	s.mu.Lock()
	from := s.state
	if err := ValidateTransition(from, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("Rejected session state change", zap.Error(err))
		return
	}
	s.state = to
	if cause != nil {
		s.lastErr = cause
	} else if to == StateReady {
		s.lastErr = nil
	}
	s.mu.Unlock()

	// Executing flips on every command, keep it out of the event stream
	if from == StateExecuting || to == StateExecuting {
		return
	}
	ev := events.New(events.KindStateChanged, s.cfg.ID)
	ev.From, ev.To = from.String(), to.String()
	if cause != nil {
		ev.Detail = cause.Error()
	}
	s.sink.Emit(ev)
}

// execute runs cmd on a Ready session and applies the fault policy.
func (s *Session) execute(cmd codec.Command) (codec.Result, error) {
	frame, err := s.codec.Encode(cmd)
	if err != nil {
		return codec.Result{}, err
	}

	s.transition(StateExecuting, nil)
	res, err := s.exchange(cmd, frame)

	switch {
	case err == nil:
		s.failStreak = 0
		s.transition(StateReady, nil)
	case errors.Is(err, types.ErrAddressUnavailable):
		s.fault(err)
	case errors.Is(err, types.ErrTimeout):
		s.failStreak++
		if s.opts.FaultAfter > 0 && s.failStreak >= s.opts.FaultAfter {
			s.fault(fmt.Errorf("%w: %d consecutive commands unanswered: %w",
				types.ErrAddressUnavailable, s.failStreak, err))
		} else {
			s.transition(StateReady, nil)
		}
	default:
		// the device answered, so the link itself is fine
		s.failStreak = 0
		s.transition(StateReady, nil)
	}
	return res, err
}

// roundTrip encodes and exchanges cmd without touching the session state.
func (s *Session) roundTrip(cmd codec.Command) (codec.Result, error) {
	frame, err := s.codec.Encode(cmd)
	if err != nil {
		return codec.Result{}, err
	}
	return s.exchange(cmd, frame)
}

// exchange writes frame and reads its reply. Only read timeouts are
// retried; input is flushed before every attempt so a late reply to an
// earlier attempt cannot be taken for the answer to this one.
func (s *Session) exchange(cmd codec.Command, frame codec.Frame) (codec.Result, error) {
	attempts := s.opts.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			ev := events.New(events.KindRetry, s.cfg.ID)
			ev.Capability = cmd.Name
			ev.Attempt = attempt
			ev.Detail = lastErr.Error()
			s.sink.Emit(ev)
			if s.opts.RetryBackoff > 0 {
				time.Sleep(s.opts.RetryBackoff)
			}
		}

		if err := s.transport.Flush(); err != nil {
			return codec.Result{}, err
		}
		if err := s.transport.Write(frame.Payload); err != nil {
			return codec.Result{}, err
		}
		reply, err := s.transport.ReadUntil(frame.Reply, s.timeout)
		if err != nil {
			if errors.Is(err, types.ErrTimeout) {
				lastErr = err
				continue
			}
			return codec.Result{}, err
		}
		return s.codec.Decode(cmd, reply)
	}
	return codec.Result{}, fmt.Errorf("%s unanswered after %d attempts: %w", cmd.Name, attempts, lastErr)
}

func (s *Session) fault(cause error) {
	if err := s.closeLink(); err != nil {
		s.logger.Warn("Failed to close transport", zap.Error(err))
	}
	s.transition(StateFaulted, cause)

	ev := events.New(events.KindFault, s.cfg.ID)
	ev.Detail = cause.Error()
	s.sink.Emit(ev)
}

func (s *Session) closeLink() error {
	if !s.linkOpen {
		return nil
	}
	s.linkOpen = false
	return s.transport.Close()
}

func (s *Session) initialize(restore bool) error {
	switch s.State() {
	case StateClosing, StateClosed:
		return fmt.Errorf("%w: %s is closed", types.ErrDeviceUnavailable, s.cfg.ID)
	}

	if err := s.closeLink(); err != nil {
		s.logger.Warn("Failed to close transport before reopening", zap.Error(err))
	}
	s.transition(StateOpening, nil)

	if err := s.bringUp(restore); err != nil {
		err = fmt.Errorf("%w: %s: %w", types.ErrInitialization, s.cfg.ID, err)
		s.fault(err)
		return err
	}

	s.failStreak = 0
	s.transition(StateReady, nil)
	s.logger.Info("Device ready", zap.String("address", s.transport.Address()))
	return nil
}

func (s *Session) bringUp(restore bool) error {
	if err := s.transport.Open(); err != nil {
		return err
	}
	s.linkOpen = true

	if err := s.transport.Flush(); err != nil {
		return err
	}

	if s.drv.Handshake != nil {
		if _, err := s.roundTrip(*s.drv.Handshake); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}

	if s.drv.StartState != nil {
		cmds, err := s.drv.StartState(s.cfg.Settings)
		if err != nil {
			return fmt.Errorf("start state: %w", err)
		}
		for _, cmd := range cmds {
			if _, err := s.roundTrip(cmd); err != nil {
				return fmt.Errorf("start state %s: %w", cmd, err)
			}
		}
	}

	if !restore || len(s.restore) == 0 {
		return nil
	}
	for _, entry := range s.restore {
		if _, err := s.roundTrip(entry.cmd); err != nil {
			return fmt.Errorf("restore %s: %w", entry.cmd, err)
		}
	}
	ev := events.New(events.KindRestored, s.cfg.ID)
	ev.Detail = fmt.Sprintf("%d settings replayed", len(s.restore))
	s.sink.Emit(ev)
	return nil
}

// remember records the last successful write per restore slot, keeping
// the order in which slots were first written.
func (s *Session) remember(slot string, cmd codec.Command) {
	for i := range s.restore {
		if s.restore[i].slot == slot {
			s.restore[i].cmd = cmd
			return
		}
	}
	s.restore = append(s.restore, restoreEntry{slot: slot, cmd: cmd})
}

func (s *Session) shutdown() error {
	state := s.State()
	if state == StateClosed {
		return nil
	}

	var errs []error
	if state == StateReady && s.drv.SafeState != nil {
		if err := s.applySafeState(); err != nil {
			errs = append(errs, err)
			s.logger.Warn("Failed to apply safe state", zap.Error(err))
		}
	}

	if state != StateUninitialized {
		s.transition(StateClosing, nil)
	}
	if err := s.closeLink(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	s.transition(StateClosed, nil)
	s.logger.Info("Device session closed")
	return errors.Join(errs...)
}

func (s *Session) applySafeState() error {
	cmds, err := s.drv.SafeState(s.cfg.Settings)
	if err != nil {
		return fmt.Errorf("safe state: %w", err)
	}
	for _, cmd := range cmds {
		if _, err := s.roundTrip(cmd); err != nil {
			return fmt.Errorf("safe state %s: %w", cmd, err)
		}
	}
	return nil
}

var _ capability.Invoker = (*Session)(nil)
