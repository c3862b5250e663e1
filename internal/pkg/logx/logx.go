/*
Package logx wraps zerolog for the relay.

The process logger is JSON on stdout in production and a colored console on stderr in development.
Short-lived call sites use the key-value helpers (Info, Warn, Error, Fatal); long-lived parts of the
relay hold a Component logger; HTTP handlers can reach the request-scoped logger with FromContext.
*/
package logx

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitGlobalLogger initializes the global zerolog instance.
// Development: Debug level, human-readable ConsoleWriter on stderr.
// Production: Info level, JSON on stdout.
func InitGlobalLogger(isDevelopment bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if isDevelopment {
		SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, zerolog.DebugLevel)
		return
	}
	SetOutput(os.Stdout, zerolog.InfoLevel)
}

// SetOutput replaces the global logger with one writing to out at level.
func SetOutput(out io.Writer, level zerolog.Level) {
	log.Logger = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()
}

// Logger returns a pointer to the global zerolog.Logger instance.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// FromContext returns the logger stored by RequestLogger, or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return Logger()
}

// checkFields validates that fields holds key-value pairs.
// An odd count is reported and the fields are dropped so zerolog does not panic.
func checkFields(level string, fields []any) []any {
	if len(fields)%2 != 0 {
		Logger().Warn().
			Int("fields_count", len(fields)).
			Str("log_level", level).
			Msgf("Logx call (%s) received odd number of fields: %v. Fields ignored.", level, fields)
		return nil
	}
	return fields
}

// emit skips two frames so the caller of the exported helper is reported.
func emit(evt *zerolog.Event, level string, err error, msg string, fields []any) {
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Fields(checkFields(level, fields)).
		CallerSkipFrame(2).
		Msg(msg)
}

// Info records a message at the Info level with optional key-value fields.
func Info(msg string, fields ...any) {
	emit(Logger().Info(), "Info", nil, msg, fields)
}

// Warn records a message at the Warn level with optional key-value fields.
func Warn(msg string, fields ...any) {
	emit(Logger().Warn(), "Warn", nil, msg, fields)
}

// Error records err and a message at the Error level with optional key-value fields.
func Error(err error, msg string, fields ...any) {
	emit(Logger().Error(), "Error", err, msg, fields)
}

// Fatal records err and a message at the Fatal level, then exits the process.
func Fatal(err error, msg string, fields ...any) {
	emit(Logger().Fatal(), "Fatal", err, msg, fields)
}
