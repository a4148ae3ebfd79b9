// Package utils
package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output string `yaml:"output" default:"stderr"`
}

var (
	logger zerolog.Logger
	once   sync.Once
	mu     sync.Mutex
)

// SetupLogger configures the process logger. It must be called before the
// first GetLogger call to take effect.
func SetupLogger(cfg LogConfig) error {
	l, err := newLogger(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	once.Do(func() {})
	logger = l
	return nil
}

// GetLogger returns the process logger, falling back to an info-level
// console logger on stderr.
func GetLogger() *zerolog.Logger {
	once.Do(func() {
		logger, _ = newLogger(LogConfig{Level: "info", Format: "console", Output: "stderr"})
	})
	mu.Lock()
	defer mu.Unlock()
	return &logger
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return GetLogger().With().Str("component", name).Logger()
}

func newLogger(cfg LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer
	switch cfg.Output {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("could not open log file: %w", err)
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}
