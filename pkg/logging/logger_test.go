// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if LevelDebug.toSlogLevel() != slog.LevelDebug {
		t.Error("debug should map to slog.LevelDebug")
	}
	if Level(99).toSlogLevel() != slog.LevelInfo {
		t.Error("unknown levels should map to slog.LevelInfo")
	}
}

func TestLevelForVerbosity(t *testing.T) {
	if got := LevelForVerbosity(0); got != LevelInfo {
		t.Errorf("LevelForVerbosity(0) = %v, want INFO", got)
	}
	if got := LevelForVerbosity(2); got != LevelDebug {
		t.Errorf("LevelForVerbosity(2) = %v, want DEBUG", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" Warning ", LevelWarn, false},
		{"", LevelInfo, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_WritesJSONToNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "azray", Output: &buf})
	defer logger.Close()

	logger.Info("state transition", "from", "Provisioning", "to", "Synthesizing")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != "azray" {
		t.Errorf("service = %v, want azray", record["service"])
	}
	if record["to"] != "Synthesizing" {
		t.Errorf("to = %v, want Synthesizing", record["to"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	defer logger.Close()

	logger.Debug("probe ok")
	logger.Info("restart")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}
	logger.Warn("retrying")
	if !strings.Contains(buf.String(), "retrying") {
		t.Errorf("expected WARN record, got %q", buf.String())
	}
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	logger := New(Config{Quiet: true})
	defer logger.Close()
	logger.Error("nowhere")
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "azray", Quiet: true})
	logger.Info("to file", "generation", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "azray_*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one log file, got %v (err %v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"generation":3`) {
		t.Errorf("file content = %q", data)
	}
}

func TestLogger_WithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf}).With("component", "watcher")
	logger.Info("poll")
	if !strings.Contains(buf.String(), `"component":"watcher"`) {
		t.Errorf("missing component attribute: %q", buf.String())
	}
}

func TestLogger_CloseTwice(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
