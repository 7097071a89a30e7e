package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/events"
)

// keepalive periodically repeats the driver's handshake through the
// session queue. A probe is an ordinary invocation, so unanswered probes
// count toward the fault policy like any other command.
type keepalive struct {
	session  *Session
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (s *Session) startKeepalive() {
	if s.opts.KeepaliveInterval <= 0 || s.drv.Handshake == nil {
		return
	}

	s.kaMu.Lock()
	defer s.kaMu.Unlock()

	if s.keepalive != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	k := &keepalive{
		session:  s,
		interval: s.opts.KeepaliveInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
	k.wg.Add(1)
	go k.loop()
	s.keepalive = k

	s.logger.Info("Keepalive started", zap.Duration("interval", k.interval))
}

// stopKeepalive must not be called from the worker goroutine: a probe
// waiting for the worker would never return.
func (s *Session) stopKeepalive() {
	s.kaMu.Lock()
	k := s.keepalive
	s.keepalive = nil
	s.kaMu.Unlock()

	if k == nil {
		return
	}
	k.cancel()
	k.wg.Wait()
	s.logger.Info("Keepalive stopped")
}

func (k *keepalive) loop() {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.ctx.Done():
			return
		case <-ticker.C:
			k.probe()
		}
	}
}

func (k *keepalive) probe() {
	s := k.session
	if s.State() != StateReady {
		return
	}
	c, ok := s.drv.Capability(s.drv.Handshake.Name)
	if !ok {
		return
	}
	if _, err := s.Invoke(k.ctx, c, s.drv.Handshake.Args); err != nil {
		if k.ctx.Err() != nil {
			return
		}
		ev := events.New(events.KindKeepaliveFailed, s.cfg.ID)
		ev.Capability = c.Name
		ev.Detail = err.Error()
		s.sink.Emit(ev)
	}
}
