package build

import (
	"context"
	"log/slog"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

// handlerSet is an implementation of the btclog.Handler interface which
// fans every log record out to a set of underlying handlers.
type handlerSet struct {
	level btclogv1.Level
	set   []btclog.Handler
}

// newHandlerSet constructs a new handlerSet at the given level.
func newHandlerSet(level btclogv1.Level, set ...btclog.Handler) *handlerSet {
	h := &handlerSet{
		set:   set,
		level: level,
	}
	h.SetLevel(level)

	return h
}

// Enabled reports whether any handler in the set handles records at the
// given level.
//
// NOTE: this is part of the slog.Handler interface.
func (h *handlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if handler.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

// Handle passes the record on to each handler in the set that is
// enabled for its level.
//
// NOTE: this is part of the slog.Handler interface.
func (h *handlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a new handlerSet in which each contained handler
// has had the given attributes attached.
//
// NOTE: this is part of the slog.Handler interface.
func (h *handlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	newSet := &handlerSet{
		set:   make([]btclog.Handler, len(h.set)),
		level: h.level,
	}
	for i, handler := range h.set {
		withAttrs, ok := handler.WithAttrs(attrs).(btclog.Handler)
		if !ok {
			continue
		}
		newSet.set[i] = withAttrs
	}

	return newSet
}

// WithGroup returns a new handlerSet in which each contained handler
// has been given the named group.
//
// NOTE: this is part of the slog.Handler interface.
func (h *handlerSet) WithGroup(name string) slog.Handler {
	newSet := &handlerSet{
		set:   make([]btclog.Handler, len(h.set)),
		level: h.level,
	}
	for i, handler := range h.set {
		withGroup, ok := handler.WithGroup(name).(btclog.Handler)
		if !ok {
			continue
		}
		newSet.set[i] = withGroup
	}

	return newSet
}

// SubSystem returns a copy of the set in which each handler is tagged
// with the given subsystem. Each copy owns its own level so that the
// subsystems can be tuned independently.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *handlerSet) SubSystem(tag string) btclog.Handler {
	newSet := &handlerSet{
		set:   make([]btclog.Handler, len(h.set)),
		level: h.level,
	}
	for i, handler := range h.set {
		newSet.set[i] = handler.SubSystem(tag)
	}

	return newSet
}

// WithPrefix returns a copy of the set in which each handler prefixes
// every log message with the given string.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *handlerSet) WithPrefix(prefix string) btclog.Handler {
	newSet := &handlerSet{
		set:   make([]btclog.Handler, len(h.set)),
		level: h.level,
	}
	for i, handler := range h.set {
		newSet.set[i] = handler.WithPrefix(prefix)
	}

	return newSet
}

// SetLevel sets the level of every handler in the set.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *handlerSet) SetLevel(level btclogv1.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

// Level returns the level shared by the handlers in the set.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *handlerSet) Level() btclogv1.Level {
	return h.level
}

// A compile time check to ensure handlerSet implements the
// btclog.Handler interface.
var _ btclog.Handler = (*handlerSet)(nil)
