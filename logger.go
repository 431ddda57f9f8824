package sopdoc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log formats of LoggingConfig.Format.
const (
	TextLog = "text"
	JSONLog = "json"
)

// LoggingConfig selects the level & format of the logger installed by ConfigureLoggingWith.
type LoggingConfig struct {
	// Level is a slog level name, e.g. "debug", "warn" or "info+2". Defaults to info.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	// Format is "text" (default) or "json".
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
	// AddSource adds the file:line of the log call.
	AddSource bool `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// Validate checks the level & format are known.
func (c LoggingConfig) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", TextLog, JSONLog:
		return nil
	}
	return fmt.Errorf("unknown log format %q", c.Format)
}

var logLevel = new(slog.LevelVar)

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger returns a logger writing to w per config. Its level is shared with SetLogLevel.
func NewLogger(config LoggingConfig, w io.Writer) (*slog.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, _ := parseLevel(config.Level)
	logLevel.Set(level)
	opts := &slog.HandlerOptions{Level: logLevel, AddSource: config.AddSource}
	if strings.ToLower(config.Format) == JSONLog {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// ConfigureLoggingWith installs the logger of config, writing to stdout, as the slog default.
func ConfigureLoggingWith(config LoggingConfig) error {
	l, err := NewLogger(config, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(l)
	return nil
}

// ConfigureLogging installs the default logger configured from the SOPDOC_LOG_LEVEL & SOPDOC_LOG_FORMAT
// environment variables. Unknown values fall back to an info level text logger.
//
// Applications call it at startup if they want the default sopdoc logging configuration.
func ConfigureLogging() {
	config := LoggingConfig{Level: os.Getenv("SOPDOC_LOG_LEVEL"), Format: os.Getenv("SOPDOC_LOG_FORMAT")}
	if err := ConfigureLoggingWith(config); err != nil {
		_ = ConfigureLoggingWith(LoggingConfig{})
		slog.Warn("logging configuration ignored", "error", err.Error())
	}
}

// SetLogLevel sets the logging level of the logger configured by ConfigureLogging or NewLogger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
