package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZeroLogger adapts a zerolog.Logger to the printf-style Logger interface.
type ZeroLogger struct {
	zl zerolog.Logger
}

// NewZeroLogger builds a console logger writing to out (stdout when nil).
// Debug output is enabled when level is "debug" or AMQP_DEBUG=1.
func NewZeroLogger(out io.Writer, level string) *ZeroLogger {
	if out == nil {
		out = os.Stdout
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    !isTerminal(out),
	}
	zl := zerolog.New(writer).With().Timestamp().Str("app", "carrot-client").Logger()
	return &ZeroLogger{zl: zl.Level(parseLevel(level))}
}

// NewZeroLoggerFrom wraps an existing zerolog logger.
func NewZeroLoggerFrom(zl zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{zl: zl}
}

func parseLevel(raw string) zerolog.Level {
	if os.Getenv("AMQP_DEBUG") == "1" {
		return zerolog.DebugLevel
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Fatal logs at fatal level and exits the process.
func (z *ZeroLogger) Fatal(format string, a ...any) { z.zl.Fatal().Msgf(format, a...) }

func (z *ZeroLogger) Err(format string, a ...any) { z.zl.Error().Msgf(format, a...) }

func (z *ZeroLogger) Warn(format string, a ...any) { z.zl.Warn().Msgf(format, a...) }

func (z *ZeroLogger) Info(format string, a ...any) { z.zl.Info().Msgf(format, a...) }

func (z *ZeroLogger) Debug(format string, a ...any) { z.zl.Debug().Msgf(format, a...) }
