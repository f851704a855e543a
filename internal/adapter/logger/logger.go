package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger interface {
	Info(action, message, requestID string, details map[string]interface{})
	Debug(action, message, requestID string, details map[string]interface{})
	Warn(action, message, requestID string, details map[string]interface{})
	Error(action, message, requestID string, details map[string]interface{}, err error)
}

type jsonLogger struct {
	log zerolog.Logger
}

func New(service, level string) Logger {
	return NewWithWriter(service, level, os.Stdout)
}

// NewWithWriter writes one JSON object per line to w.
func NewWithWriter(service, level string, w io.Writer) Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	hostname, _ := os.Hostname()
	zl := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname).
		Logger()

	return &jsonLogger{log: zl}
}

// NewNop discards everything. Used by tests.
func NewNop() Logger {
	return &jsonLogger{log: zerolog.Nop()}
}

func (l *jsonLogger) Info(action, message, requestID string, details map[string]interface{}) {
	l.write(l.log.Info(), action, message, requestID, details, nil)
}

func (l *jsonLogger) Debug(action, message, requestID string, details map[string]interface{}) {
	l.write(l.log.Debug(), action, message, requestID, details, nil)
}

func (l *jsonLogger) Warn(action, message, requestID string, details map[string]interface{}) {
	l.write(l.log.Warn(), action, message, requestID, details, nil)
}

func (l *jsonLogger) Error(action, message, requestID string, details map[string]interface{}, err error) {
	l.write(l.log.Error(), action, message, requestID, details, err)
}

func (l *jsonLogger) write(ev *zerolog.Event, action, message, requestID string, details map[string]interface{}, err error) {
	// disabled level
	if ev == nil {
		return
	}

	ev = ev.Str("action", action)
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	if len(details) > 0 {
		ev = ev.Interface("details", details)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(message)
}
