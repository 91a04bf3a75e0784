package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"crm-enrichment/internal/config"
)

func TestWith_AttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, config.LogConfig{Level: "debug", Format: "json"}, false)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTracker(ctx, "lead_enrichment", "lead-42")
	With(ctx, base).Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	for k, want := range map[string]string{"trace_id": "trace-1", "workflow": "lead_enrichment", "tracker_key": "lead-42", "message": "hello"} {
		if line[k] != want {
			t.Errorf("expected %s=%q, got %v", k, want, line[k])
		}
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, config.LogConfig{Level: "warn", Format: "json"}, false)
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("expected warn line to be written")
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("short", false); got != "***" {
		t.Errorf("expected short values fully masked, got %q", got)
	}
	if got := Redact("supersecrettoken", false); got != "supe...en" {
		t.Errorf("unexpected redaction %q", got)
	}
	if got := Redact("supersecrettoken", true); got != "supersecrettoken" {
		t.Errorf("dev mode should not redact, got %q", got)
	}
}
