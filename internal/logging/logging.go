// Package logging builds the process logger for can2mqtt.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "CAN2MQTT_LOG_LEVEL"
	EnvLogNoColor = "CAN2MQTT_LOG_NOCOLOR"
)

// Levels accepted by the -v flag, most to least severe.
var Levels = []string{"CRITICAL", "ERROR", "WARNING", "INFO", "DEBUG", "NOTSET"}

// Config selects the level and destination of the process logger.
type Config struct {
	Level   zerolog.Level
	NoColor bool
	// File, when set, receives JSON lines instead of console output.
	File string
}

// DefaultConfig logs at info level to the console.
func DefaultConfig() Config {
	return Config{Level: zerolog.InfoLevel}
}

// New builds the logger described by cfg after applying the environment
// overrides, and installs it as the zerolog global logger. Console output
// goes to out. The returned close function releases the log file, if any.
func New(cfg Config, out io.Writer) (zerolog.Logger, func() error, error) {
	applyEnvOverrides(&cfg)
	closeFn := func() error { return nil }

	var w io.Writer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closeFn, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closeFn = f.Close
	} else {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	logger := zerolog.New(w).Level(cfg.Level).With().Timestamp().Str("app", "can2mqtt").Logger()
	log.Logger = logger
	return logger, closeFn, nil
}

// ParseLevel maps a level name onto a zerolog level. Names are
// case-insensitive; zerolog's own names are accepted as well.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "fatal":
		return zerolog.FatalLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "warning", "warn":
		return zerolog.WarnLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "notset", "trace":
		return zerolog.TraceLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
