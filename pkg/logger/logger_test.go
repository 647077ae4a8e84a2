package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Failed to parse JSON %q: %v", buf.String(), err)
	}
	return result
}

func TestWithDuration(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf)

	log.WithDuration("close_grace", 123*time.Millisecond).Info().Msg("test message")

	result := decodeLine(t, &buf)
	if result["close_grace"] != float64(123) {
		t.Errorf("Expected close_grace to be 123, got %v", result["close_grace"])
	}
}

func TestWithBytes(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf)

	log.WithBytes("bytes_up", int64(1024*1024)).Info().Msg("test message")

	result := decodeLine(t, &buf)
	if result["bytes_up"] != float64(1048576) {
		t.Errorf("Expected bytes_up to be 1048576, got %v", result["bytes_up"])
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf)

	fields := map[string]interface{}{
		"remote": "db:5432",
		"port":   42,
	}
	log.WithFields(fields).WithStr("component", "acceptor").Info().Msg("test message")

	result := decodeLine(t, &buf)
	if result["remote"] != "db:5432" {
		t.Errorf("Expected remote to be 'db:5432', got %v", result["remote"])
	}
	if result["port"] != float64(42) {
		t.Errorf("Expected port to be 42, got %v", result["port"])
	}
	if result["component"] != "acceptor" {
		t.Errorf("Expected component to be 'acceptor', got %v", result["component"])
	}
}

func TestLevelFiltering(t *testing.T) {
	log, err := New(Config{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	var buf bytes.Buffer
	log.zl = log.zl.Output(&buf)

	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	log.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("warn should be written at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	// Must not panic and must not write anywhere.
	log.Info().Str("k", "v").Msg("ignored")
	log.WithStr("component", "x").Error().Msg("ignored")
}
