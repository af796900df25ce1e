// Package audit records security events to one or more append-only sinks.
package audit

import (
	"context"
	"errors"
	"maps"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"bizregistry.org/internal/ids"
	"bizregistry.org/internal/obs"
)

// Recorder accepts audit events. Implementations never return errors to the
// caller: a failed sink must not block the primary response.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Sink persists events.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
}

// Logger fans events out to its sinks.
type Logger struct {
	sinks  []Sink
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLogger builds a Logger writing to every sink.
func NewLogger(sinks []Sink, opts ...Option) (*Logger, error) {
	if len(sinks) == 0 {
		return nil, errors.New("audit: at least one sink is required")
	}
	l := &Logger{sinks: sinks, now: time.Now, logger: obs.Logger()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record stamps ev with id, time, severity and request id, then writes it to
// every sink. Sink failures are logged and counted.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now().UTC()
	}
	if ev.Severity == 0 {
		ev.Severity = DefaultSeverity(ev.Kind)
	}
	if ev.RequestID == "" {
		ev.RequestID = RequestIDFromContext(ctx)
	}
	if ev.Actor == "" {
		ev.Actor = "anonymous"
	}
	ev.Detail = maps.Clone(ev.Detail)
	for _, s := range l.sinks {
		if err := s.Write(ctx, ev); err != nil {
			obs.AuditSinkErrors.WithLabelValues(s.Name()).Inc()
			l.logger.Error("audit sink write failed",
				zap.String("sink", s.Name()), zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

// Sampler decides whether a high-volume event is kept.
type Sampler struct {
	rate  float64
	float func() float64
}

// NewSampler keeps roughly rate (0..1) of events. Zero keeps none, one keeps all.
func NewSampler(rate float64) Sampler {
	return Sampler{rate: rate, float: rand.Float64}
}

// Keep reports whether the current event should be recorded.
func (s Sampler) Keep() bool {
	switch {
	case s.rate <= 0:
		return false
	case s.rate >= 1:
		return true
	default:
		return s.float() < s.rate
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
