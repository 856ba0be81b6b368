package logger

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/sentinel-gateway/internal/correlation"
)

// CorrelationKey is the attribute key carrying the correlation id.
const CorrelationKey = "correlation_id"

// CorrelationHandler adds the correlation id found in the record's context
// as a top-level attribute.
type CorrelationHandler struct {
	next slog.Handler
}

// NewCorrelationHandler wraps next.
func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		if id, ok := correlation.Get(ctx); ok {
			r = r.Clone()
			r.AddAttrs(slog.String(CorrelationKey, id))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{next: h.next.WithGroup(name)}
}
