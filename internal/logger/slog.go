package logger

import (
	"log/slog"
)

type SlogHandler struct {
	logger *slog.Logger
}

// NewSlog builds a Logger on top of an slog handler.
func NewSlog(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

// FromSlog wraps an existing *slog.Logger.
func FromSlog(l *slog.Logger) *SlogHandler {
	return &SlogHandler{logger: l}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}
