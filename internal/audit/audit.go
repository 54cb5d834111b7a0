// Package audit records issuance, rotation, revocation, and authorization
// decisions. Delivery is best-effort and observational: a sink failure must
// never block or fail the identity operation that produced the event.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Kind classifies an audit event.
type Kind string

const (
	KindIssued            Kind = "issued"
	KindRotated           Kind = "rotated"
	KindRevoked           Kind = "revoked"
	KindDenied            Kind = "denied"
	KindHandshakeAllowed  Kind = "handshake_allowed"
	KindHandshakeRejected Kind = "handshake_rejected"
	KindBundleRotated     Kind = "bundle_rotated"
)

// Event is one audited decision.
type Event struct {
	Time       time.Time
	Kind       Kind
	SpiffeID   string
	WorkloadID string
	Detail     string
	Err        string
}

// Sink records audit events. Record must never block the caller's identity
// operation and never returns an error; failures are the sink's problem.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// Nop discards all events. Used when audit.enabled is false.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

var _ Sink = Nop{}

// LogSink emits audit events through slog, one record per event.
// Format "json" or "text" and a minimum level map directly to the
// audit.format and audit.level configuration keys.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink writing to w.
func NewLogSink(w io.Writer, format, level string) (*LogSink, error) {
	var lvl slog.Level
	switch level {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown audit level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown audit format %q", format)
	}
	return &LogSink{log: slog.New(handler)}, nil
}

func (s *LogSink) Record(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	attrs := []any{
		slog.String("kind", string(ev.Kind)),
		slog.Time("at", ev.Time),
	}
	if ev.SpiffeID != "" {
		attrs = append(attrs, slog.String("spiffe_id", ev.SpiffeID))
	}
	if ev.WorkloadID != "" {
		attrs = append(attrs, slog.String("workload_id", ev.WorkloadID))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	if ev.Err != "" {
		attrs = append(attrs, slog.String("error", ev.Err))
	}
	s.log.Log(ctx, levelFor(ev.Kind), "audit", attrs...)
}

// levelFor maps event kinds to log levels: grants are informational,
// denials and revocations are warnings.
func levelFor(kind Kind) slog.Level {
	switch kind {
	case KindDenied, KindHandshakeRejected, KindRevoked:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

var _ Sink = (*LogSink)(nil)
