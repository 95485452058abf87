package events_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/agentoven/sandboxctl/internal/events"
	"github.com/agentoven/sandboxctl/pkg/models"
)

type recordingTransport struct {
	frames []string
}

func (r *recordingTransport) WriteFrame(eventType string, payload []byte) error {
	r.frames = append(r.frames, eventType+":"+string(payload))
	return nil
}

func TestSinkEmitsToTransportAndLog(t *testing.T) {
	rec := &recordingTransport{}
	sink := events.New("run-1", rec)

	if err := sink.Emit(models.EventRunStart, nil); err != nil {
		t.Fatalf("Emit(run-start) error = %v", err)
	}
	if err := sink.Emit(models.EventToken, map[string]interface{}{"delta": "hi", "sequence": 0}); err != nil {
		t.Fatalf("Emit(token) error = %v", err)
	}
	if err := sink.Emit(models.EventRunComplete, map[string]interface{}{"status": "succeeded"}); err != nil {
		t.Fatalf("Emit(run-complete) error = %v", err)
	}

	if len(rec.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(rec.frames))
	}
	if !strings.HasPrefix(rec.frames[0], "run-start:") {
		t.Errorf("first frame = %q, want run-start prefix", rec.frames[0])
	}

	jsonl, err := sink.JSONL()
	if err != nil {
		t.Fatalf("JSONL() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(jsonl), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 jsonl lines, got %d", len(lines))
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first["type"] != string(models.EventRunStart) || first["runId"] != "run-1" {
		t.Errorf("first line = %+v", first)
	}
}

func TestSinkWithNilTransportOnlyLogs(t *testing.T) {
	sink := events.New("run-2", nil)
	if err := sink.Emit(models.EventRunStart, nil); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	jsonl, err := sink.JSONL()
	if err != nil {
		t.Fatalf("JSONL() error = %v", err)
	}
	if !strings.Contains(string(jsonl), "run-start") {
		t.Errorf("expected jsonl to contain run-start, got %s", jsonl)
	}
}
