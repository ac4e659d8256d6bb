// Package securelog provides the structured logging stack: an slog.Handler
// that redacts sensitive data, bounds pathological values and rate limits
// output, routed to the console in development and to a remote ingestion
// endpoint in production, plus an Auditor for security events.
package securelog

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Handler wraps another slog.Handler and scrubs every record before
// passing it on.
type Handler struct {
	next     slog.Handler
	redactor *Redactor
	limiter  *rate.Limiter
	dropped  *atomic.Int64
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps next. A nil limiter disables rate limiting; a nil
// redactor uses DefaultRedactor.
func NewHandler(next slog.Handler, redactor *Redactor, limiter *rate.Limiter) *Handler {
	if redactor == nil {
		redactor = DefaultRedactor()
	}
	return &Handler{
		next:     next,
		redactor: redactor,
		limiter:  limiter,
		dropped:  new(atomic.Int64),
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.limiter != nil {
		if !h.limiter.Allow() {
			h.dropped.Add(1)
			return nil
		}
		if n := h.dropped.Swap(0); n > 0 {
			warn := slog.NewRecord(r.Time, slog.LevelWarn, "log records dropped by rate limit", 0)
			warn.AddAttrs(slog.Int64("dropped", n))
			if err := h.next.Handle(ctx, warn); err != nil {
				return err
			}
		}
	}

	out := slog.NewRecord(r.Time, r.Level, h.redactor.RedactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a, 0))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redactAttr(a, 0)
	}
	return &Handler{
		next:     h.next.WithAttrs(scrubbed),
		redactor: h.redactor,
		limiter:  h.limiter,
		dropped:  h.dropped,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		next:     h.next.WithGroup(name),
		redactor: h.redactor,
		limiter:  h.limiter,
		dropped:  h.dropped,
	}
}

func (h *Handler) redactAttr(a slog.Attr, depth int) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.RedactString(v.String()))
	case slog.KindGroup:
		if depth >= h.redactor.MaxDepth {
			return slog.String(a.Key, MaxDepthMarker)
		}
		group := v.Group()
		args := make([]any, 0, len(group))
		for _, ga := range group {
			args = append(args, h.redactAttr(ga, depth+1))
		}
		return slog.Group(a.Key, args...)
	case slog.KindAny:
		return slog.Any(a.Key, h.redactor.Redact(v.Any()))
	default:
		return slog.Attr{Key: a.Key, Value: v}
	}
}
