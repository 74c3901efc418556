package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var logger atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).Level(zerolog.InfoLevel)
	logger.Store(&l)
}

func apply(cfg Config) {
	var l zerolog.Logger
	if cfg.Bypass {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		})
	}
	if cfg.Timestamp {
		l = l.With().Timestamp().Logger()
	}
	l = l.Level(cfg.Level)
	logger.Store(&l)
}

// Logger returns the configured process logger.
func Logger() zerolog.Logger {
	return *logger.Load()
}

// Redirect sends plain log lines at or above level to w until the returned
// func restores the previous logger.
func Redirect(w io.Writer, level zerolog.Level) func() {
	prev := logger.Load()
	l := zerolog.New(w).Level(level)
	logger.Store(&l)
	return func() { logger.Store(prev) }
}

func Tracef(format string, args ...any) {
	logger.Load().Trace().Msg(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	logger.Load().Debug().Msg(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	logger.Load().Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	logger.Load().Warn().Msg(fmt.Sprintf(format, args...))
}

func Errf(format string, args ...any) {
	logger.Load().Error().Msg(fmt.Sprintf(format, args...))
}

// Logf writes regardless of the configured level.
func Logf(format string, args ...any) {
	logger.Load().Log().Msg(fmt.Sprintf(format, args...))
}
