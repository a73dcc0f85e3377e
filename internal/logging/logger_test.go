package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEventShape(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "job-1", "job-1")

	logger.Info("received", map[string]any{"pct": 1})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if line["cid"] != "job-1" {
		t.Fatalf("cid = %v", line["cid"])
	}
	if line["job_id"] != "job-1" {
		t.Fatalf("job_id = %v", line["job_id"])
	}
	if line["event"] != "received" {
		t.Fatalf("event = %v", line["event"])
	}
	if line["level"] != "info" {
		t.Fatalf("level = %v", line["level"])
	}
	data, ok := line["data"].(map[string]any)
	if !ok || data["pct"] != float64(1) {
		t.Fatalf("data = %v", line["data"])
	}
}

func TestEventLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "job-1", "")

	logger.Warn("oom_retry", nil)
	logger.Error("error", nil)
	logger.Event("NONSENSE", "other", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	wantLevels := []string{"warn", "error", "info"}
	for i, raw := range lines {
		var line map[string]any
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("line %d is not JSON: %v", i, err)
		}
		if line["level"] != wantLevels[i] {
			t.Fatalf("line %d level = %v, want %s", i, line["level"], wantLevels[i])
		}
		if _, ok := line["job_id"]; ok {
			t.Fatal("job_id should be omitted when empty")
		}
	}
}

func TestStageEmitsLatency(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "job-1", "job-1")

	end := logger.Stage("generation", nil)
	end(nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	var done map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &done); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if done["event"] != "generation_ok" {
		t.Fatalf("event = %v", done["event"])
	}
	if _, ok := done["lat_ms"]; !ok {
		t.Fatal("lat_ms should be present")
	}
}

func TestStageEmitsErrorLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "job-1", "job-1")

	end := logger.Stage("generation", nil)
	end(errors.New("exit status 1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	var failed map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if failed["event"] != "stage_error" {
		t.Fatalf("event = %v", failed["event"])
	}
	data, ok := failed["data"].(map[string]any)
	if !ok || data["at_stage"] != "generation" {
		t.Fatalf("data = %v", failed["data"])
	}
}
