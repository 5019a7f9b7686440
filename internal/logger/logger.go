package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/traffictap/traffictap/internal/config"
)

// Logger is the logging contract used across the pipeline. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z *zerologAdapter) emit(event *zerolog.Event, msg string, fields []interface{}) {
	if len(fields) > 0 {
		event = event.Fields(fields)
	}
	event.Msg(msg)
}

func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	z.emit(z.logger.Debug(), msg, fields)
}

func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	z.emit(z.logger.Info(), msg, fields)
}

func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	z.emit(z.logger.Warn(), msg, fields)
}

func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	z.emit(z.logger.Error(), msg, fields)
}

func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	z.emit(z.logger.Fatal(), msg, fields)
}

// New builds a zerolog-backed Logger. Console output is human readable
// unless mode is "json"; file logging rotates through lumberjack when
// enabled.
func New(cfg *config.LogConfig, mode string) Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if strings.EqualFold(mode, "json") {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.FileLogging.Enable {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	logger := zerolog.New(io.MultiWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zerologAdapter{logger: logger}
}

// Nop returns a Logger that discards everything. Handy for tests and
// optional components.
func Nop() Logger {
	return &zerologAdapter{logger: zerolog.Nop()}
}
