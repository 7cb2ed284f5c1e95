// Package logging holds the slog helpers shared by the array engine and the
// command line tool.
//
// Loggers are passed in through options and never read from slog.Default.
// A component scopes its logger once, at construction, with With("component", ...).
// Only lifecycle boundaries are logged; codec and copy loops stay silent.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when logger is nil.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// Component returns logger scoped to the named component.
func Component(logger *slog.Logger, name string, args ...any) *slog.Logger {
	return Default(logger).With(append([]any{"component", name}, args...)...)
}
