package masking

import (
	"context"
	"log/slog"
)

// Handler decorates a slog.Handler so every record passes through the
// masking service before it reaches the sink. Installed once around the root
// handler; all scoped loggers created with slog.With inherit it.
type Handler struct {
	inner slog.Handler
	svc   *Service
}

// NewHandler wraps inner with attribute masking backed by svc.
func NewHandler(inner slog.Handler, svc *Service) *Handler {
	return &Handler{inner: inner, svc: svc}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	masked := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(h.svc.MaskAttr(a))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		maskedAttrs = append(maskedAttrs, h.svc.MaskAttr(a))
	}
	return &Handler{inner: h.inner.WithAttrs(maskedAttrs), svc: h.svc}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), svc: h.svc}
}
