package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Write(_ context.Context, ev Event) error {
	s.Logger.Info("audit",
		zap.String("type", "audit"),
		zap.String("event_id", ev.ID),
		zap.String("event", string(ev.Kind)),
		zap.Int("severity", int(ev.Severity)),
		zap.String("actor", ev.Actor),
		zap.String("target", ev.Target),
		zap.Time("occurred_at", ev.OccurredAt),
		zap.String("request_id", ev.RequestID),
		zap.String("source_ip", ev.SourceIP),
		zap.Any("detail", ev.Detail),
	)
	return nil
}

// PGSink appends events to the audit_events table.
type PGSink struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPGSink returns a sink bounded by timeout per insert.
func NewPGSink(db *sql.DB, timeout time.Duration) *PGSink {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &PGSink{db: db, timeout: timeout}
}

func (*PGSink) Name() string { return "postgres" }

func (s *PGSink) Write(ctx context.Context, ev Event) error {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`insert into audit_events(id, kind, severity, actor, target, occurred_at, request_id, source_ip, detail)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, string(ev.Kind), int(ev.Severity), ev.Actor, ev.Target, ev.OccurredAt,
		ev.RequestID, ev.SourceIP, detail,
	)
	return err
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (*MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// OfKind returns the recorded events of kind k.
func (s *MemorySink) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
