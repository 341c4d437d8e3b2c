package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo || cfg.Pretty || cfg.Output != os.Stderr || cfg.File != "" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input LogLevel
		want  zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// The configured level decides which of the four lines reach the output.
func TestSetup_LevelFiltering(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  []string
	}{
		{LevelDebug, []string{"cache fingerprint", "page committed", "retrying request", "entity failed"}},
		{LevelInfo, []string{"page committed", "retrying request", "entity failed"}},
		{LevelWarn, []string{"retrying request", "entity failed"}},
		{LevelError, []string{"entity failed"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := &bytes.Buffer{}
			if _, _, err := Setup(Config{Level: tt.level, Output: buf}); err != nil {
				t.Fatalf("Setup() error = %v", err)
			}

			logger := NewLogger("orchestrator")
			logger.Debug().Msg("cache fingerprint")
			logger.Info().Msg("page committed")
			logger.Warn().Msg("retrying request")
			logger.Error().Msg("entity failed")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(tt.want), buf.String())
			}
			for i, want := range tt.want {
				if !strings.Contains(lines[i], want) {
					t.Errorf("line %d = %q, want %q", i, lines[i], want)
				}
			}
		})
	}
}

func TestSetup_Pretty(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, _, err := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	logger.Info().Str("entity_id", "7004212771").Msg("entity completed")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "entity completed") || !strings.Contains(out, "7004212771") {
		t.Errorf("output = %q", out)
	}
}

func TestForRun(t *testing.T) {
	buf := &bytes.Buffer{}
	if _, _, err := Setup(Config{Level: LevelInfo, Output: buf}); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	l := ForRun("cli", "openalex", "openalex_20250301_120000_0a1b2c3d")
	l.Info().Int("entities", 3).Msg("Run starting")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	want := map[string]any{
		"component":   "cli",
		"data_source": "openalex",
		"run_id":      "openalex_20250301_120000_0a1b2c3d",
		"entities":    float64(3),
		"message":     "Run starting",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
	if _, ok := line["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestSetup_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scopus.log")
	buf := &bytes.Buffer{}

	_, closeLog, err := Setup(Config{Level: LevelInfo, Output: buf, File: path})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	l := ForRun("orchestrator", "scopus", "scopus_20250101_000000_abcd1234")
	l.Info().Msg("run started")
	if err := closeLog(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{`"run_id":"scopus_20250101_000000_abcd1234"`, `"data_source":"scopus"`, "run started"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log file missing %s: %s", want, data)
		}
	}
	if !strings.Contains(buf.String(), "run started") {
		t.Error("console output should still receive the line")
	}
}

func TestSetup_FileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	_, closeLog, err := Setup(Config{Level: LevelInfo, Output: &bytes.Buffer{}, File: filepath.Join(blocker, "run.log")})
	if err == nil {
		t.Fatal("Setup() should fail when the log directory cannot be created")
	}
	if closeLog == nil || closeLog() != nil {
		t.Error("closer must be a usable no-op on failure")
	}
}
