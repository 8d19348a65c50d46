package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler is a slog.Handler writing through zerolog. sutureslog and
// watermill both take a *slog.Logger; this keeps their output in the same
// stream and format as everything else.
type SlogHandler struct {
	logger zerolog.Logger
	minLvl slog.Leveler // nil keeps every level
	attrs  []groupedAttr
	group  string
}

type groupedAttr struct {
	group string
	attr  slog.Attr
}

// NewSlogHandler wraps the global logger.
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{logger: Logger()}
}

// NewSlog returns a *slog.Logger backed by the global zerolog logger.
func NewSlog() *slog.Logger {
	return slog.New(NewSlogHandler())
}

// NewSlogAt is NewSlog with records below minLevel dropped, for chatty
// libraries such as watermill that log routine delivery at info.
func NewSlogAt(minLevel slog.Leveler) *slog.Logger {
	h := NewSlogHandler()
	h.minLvl = minLevel
	return slog.New(h)
}

// Enabled implements slog.Handler.
func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.minLvl != nil && level < h.minLvl.Level() {
		return false
	}
	return h.logger.GetLevel() <= toZerolog(level) && zerolog.GlobalLevel() <= toZerolog(level)
}

// Handle implements slog.Handler.
//
//nolint:gocritic // slog.Record is passed by value per the interface
func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	if h.minLvl != nil && record.Level < h.minLvl.Level() {
		return nil
	}
	event := h.logger.WithLevel(toZerolog(record.Level))
	for _, ga := range h.attrs {
		event = addAttr(event, ga.group, ga.attr)
	}
	record.Attrs(func(a slog.Attr) bool {
		event = addAttr(event, h.group, a)
		return true
	})
	event.Msg(record.Message)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]groupedAttr(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, groupedAttr{group: h.group, attr: a})
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

func addAttr(event *zerolog.Event, group string, a slog.Attr) *zerolog.Event {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return event.Str(key, v.String())
	case slog.KindInt64:
		return event.Int64(key, v.Int64())
	case slog.KindUint64:
		return event.Uint64(key, v.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, v.Float64())
	case slog.KindBool:
		return event.Bool(key, v.Bool())
	case slog.KindDuration:
		return event.Dur(key, v.Duration())
	case slog.KindTime:
		return event.Time(key, v.Time())
	case slog.KindGroup:
		for _, ga := range v.Group() {
			event = addAttr(event, key, ga)
		}
		return event
	default:
		if err, ok := v.Any().(error); ok {
			return event.AnErr(key, err)
		}
		return event.Interface(key, v.Any())
	}
}

func toZerolog(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
