// Package logging builds eventcored's structured zerolog logger and a
// small set of helpers for error and panic logging, matching the
// teacher's service-wide logging conventions.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a service-wide zerolog.Logger. level is one of
// debug/info/warn/error; format "console" renders human-readable output,
// anything else (including "json") is zerolog's default structured JSON.
func New(level, format string) zerolog.Logger {
	var zlevel zerolog.Level
	switch level {
	case "debug":
		zlevel = zerolog.DebugLevel
	case "warn":
		zlevel = zerolog.WarnLevel
	case "error":
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "eventcored").
		Logger()
}

// LogError logs err with msg and any extra context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic, deferred at the top of a goroutine, logs a recovered panic
// with a stack trace but does not re-panic, so that goroutine's bug cannot
// take the whole process down. No goroutine in this module defers it.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered from panic")
	}
}
