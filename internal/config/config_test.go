package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"LISTEN_ADDR", "DB_PATH", "LOG_LEVEL", "WORKERS", "JOB_TIMEOUT", "CORS_ORIGINS", "OWNER_HEADER", "MAX_EXTRACTED_BYTES", "MAX_ARCHIVE_MEMBERS"} {
		t.Setenv(envPrefix+k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "tremor.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "tremor.db")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 64 {
		t.Errorf("Workers/QueueSize = %d/%d, want 4/64", cfg.Workers, cfg.QueueSize)
	}
	if cfg.JobTimeout != time.Hour {
		t.Errorf("JobTimeout = %v, want 1h", cfg.JobTimeout)
	}
	if cfg.OwnerHeader != "X-Remote-User" {
		t.Errorf("OwnerHeader = %q", cfg.OwnerHeader)
	}
	if cfg.CallbackOnNoCandidates {
		t.Error("CallbackOnNoCandidates should default to false")
	}
	if cfg.MaxExtractedBytes != 2<<30 || cfg.MaxArchiveMembers != 10000 {
		t.Errorf("archive limits = %d bytes/%d members", cfg.MaxExtractedBytes, cfg.MaxArchiveMembers)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"*"}) {
		t.Errorf("CORSOrigins = %v, want [*]", cfg.CORSOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TREMOR_LISTEN_ADDR", ":9090")
	t.Setenv("TREMOR_DB_PATH", "/tmp/test.db")
	t.Setenv("TREMOR_LOG_LEVEL", "debug")
	t.Setenv("TREMOR_WORKERS", "8")
	t.Setenv("TREMOR_JOB_TIMEOUT", "90s")
	t.Setenv("TREMOR_CALLBACK_ON_NO_CANDIDATES", "true")
	t.Setenv("TREMOR_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %v, want 90s", cfg.JobTimeout)
	}
	if !cfg.CallbackOnNoCandidates {
		t.Error("CallbackOnNoCandidates = false, want true")
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v, want two origins", cfg.CORSOrigins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"TREMOR_WORKERS":     "0",
		"TREMOR_QUEUE_SIZE":  "-1",
		"TREMOR_JOB_TIMEOUT": "soon",
	}
	for k, v := range tests {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%s should fail", k, v)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
