package events

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes events to a zap logger. Faults log at error level,
// retries and failed keepalives at warn, everything else at info.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("events")}
}

func (s *ZapSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("device_id", e.DeviceID),
		zap.String("event_id", e.ID.String()),
	}
	if e.From != "" || e.To != "" {
		fields = append(fields, zap.String("from", e.From), zap.String("to", e.To))
	}
	if e.Capability != "" {
		fields = append(fields, zap.String("capability", e.Capability))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}

	if ce := s.logger.Check(level(e.Kind), message(e.Kind)); ce != nil {
		ce.Write(fields...)
	}
}

func level(k Kind) zapcore.Level {
	switch k {
	case KindFault:
		return zapcore.ErrorLevel
	case KindRetry, KindKeepaliveFailed, KindInvocationFailed:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func message(k Kind) string {
	switch k {
	case KindStateChanged:
		return "Device state changed"
	case KindRetry:
		return "Retrying device command"
	case KindFault:
		return "Device faulted"
	case KindRestored:
		return "Device settings restored"
	case KindKeepaliveFailed:
		return "Device keepalive failed"
	case KindInvocationFailed:
		return "Device command failed"
	default:
		return string(k)
	}
}

var _ Sink = (*ZapSink)(nil)
