package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process logger. Packages that want a tagged logger call
// Component once and keep the result.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = &Logger{z: newZerolog(os.Stderr, "console")}
}

func newZerolog(w io.Writer, format string) zerolog.Logger {
	if strings.ToLower(format) == "json" {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a zerolog level.
// Unknown strings fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the global logger
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit sink.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = &Logger{z: newZerolog(w, format)}
}

// Component returns a child logger that tags every event with component=name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{z: l.z.With().Str("component", name).Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event. A trailing key with
// no value is dropped.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e.AnErr(key, v)
		case time.Duration:
			e.Dur(key, v)
		default:
			e.Interface(key, v)
		}
	}
}
