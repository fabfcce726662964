package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler writes to an inner handler and also publishes records at or
// above minLevel to the bus as LogEntry events.
type SlogHandler struct {
	inner    slog.Handler
	bus      *Bus
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

// NewSlogHandler wraps inner.
func NewSlogHandler(inner slog.Handler, bus *Bus, minLevel slog.Level) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, minLevel: minLevel}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.minLevel {
		entry := map[string]any{
			"level": r.Level.String(),
			"msg":   r.Message,
			"time":  r.Time,
		}
		prefix := ""
		if h.group != "" {
			prefix = h.group + "."
		}
		for _, a := range h.attrs {
			entry[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			entry[prefix+a.Key] = a.Value.Any()
			return true
		})
		h.bus.PublishType(LogEntry, entry)
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner:    h.inner.WithAttrs(attrs),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
		group:    h.group,
	}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &SlogHandler{
		inner:    h.inner.WithGroup(name),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    h.attrs,
		group:    group,
	}
}
