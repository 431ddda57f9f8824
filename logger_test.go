package sopdoc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		json    bool
		debug   bool
		wantErr bool
	}{
		{name: "defaults", config: LoggingConfig{}},
		{name: "json debug", config: LoggingConfig{Level: "debug", Format: "JSON"}, json: true, debug: true},
		{name: "text warn", config: LoggingConfig{Level: "WARN", Format: TextLog}},
		{name: "bad level", config: LoggingConfig{Level: "loud"}, wantErr: true},
		{name: "bad format", config: LoggingConfig{Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := NewLogger(tt.config, &buf)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			l.Debug("d")
			l.Error("e", "k", "v")
			out := buf.String()
			if tt.debug && !strings.Contains(out, "DEBUG") {
				t.Errorf("expected debug line, got %q", out)
			}
			if !tt.debug && strings.Contains(out, "DEBUG") {
				t.Errorf("unexpected debug line in %q", out)
			}
			lines := strings.Split(strings.TrimSpace(out), "\n")
			last := lines[len(lines)-1]
			if tt.json {
				var m map[string]any
				if err := json.Unmarshal([]byte(last), &m); err != nil || m["k"] != "v" {
					t.Errorf("expected a json line, got %q", last)
				}
			} else if !strings.Contains(last, "k=v") {
				t.Errorf("expected a text line, got %q", last)
			}
		})
	}
	SetLogLevel(slog.LevelInfo)
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(LoggingConfig{}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hidden")
	SetLogLevel(slog.LevelDebug)
	l.Debug("shown")
	SetLogLevel(slog.LevelInfo)
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("got %q", out)
	}
}

func TestOptionsValidateLogging(t *testing.T) {
	o := DefaultOptions()
	o.Logging.Format = "xml"
	if err := o.Validate(); CodeOf(err) != ValidationFailure {
		t.Errorf("got %v, want a validation failure", err)
	}
}
