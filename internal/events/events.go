// Package events implements EventSink: it multiplexes the canonical run
// event stream to an SSE transport and to an in-memory buffer that is
// flushed to events.jsonl at run completion.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentoven/sandboxctl/pkg/models"
)

// Transport writes one SSE frame. http.ResponseWriter satisfies the shape
// via SSETransport below; tests can supply their own.
type Transport interface {
	WriteFrame(eventType string, payload []byte) error
}

// SSETransport writes frames directly to an HTTP response, flushing after
// each one so the client sees events as they're produced.
type SSETransport struct {
	W       http.ResponseWriter
	flusher http.Flusher
}

// NewSSETransport sets the SSE response headers and returns a ready
// transport, or an error if the ResponseWriter doesn't support flushing.
func NewSSETransport(w http.ResponseWriter) (*SSETransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("events: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSETransport{W: w, flusher: flusher}, nil
}

func (t *SSETransport) WriteFrame(eventType string, payload []byte) error {
	if _, err := fmt.Fprintf(t.W, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Sink accumulates every emitted event (for the jsonl log) and, when a
// Transport is attached, forwards it live. A unary RunService uses a Sink
// with no Transport.
type Sink struct {
	mu        sync.Mutex
	runID     string
	transport Transport
	log       []models.Event
}

// New returns a Sink for runID. transport may be nil for unary calls.
func New(runID string, transport Transport) *Sink {
	return &Sink{runID: runID, transport: transport}
}

// Emit appends fields for eventType and forwards to the transport, if any.
func (s *Sink) Emit(eventType models.EventType, fields map[string]interface{}) error {
	evt := models.Event{
		Ts:     time.Now().UTC(),
		RunID:  s.runID,
		Type:   eventType,
		Fields: fields,
	}

	s.mu.Lock()
	s.log = append(s.log, evt)
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return nil
	}

	payload, err := marshalFrame(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s frame: %w", eventType, err)
	}
	return transport.WriteFrame(string(eventType), payload)
}

// Streaming reports whether a live Transport is attached. RunService uses
// this to gate behavior that must never affect a unary caller, such as the
// inter-token delay.
func (s *Sink) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// JSONL renders every accumulated event as newline-delimited JSON, in
// emission order, suitable for writing verbatim into the sandbox.
func (s *Sink) JSONL() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	for _, evt := range s.log {
		line, err := marshalFrame(evt)
		if err != nil {
			return nil, fmt.Errorf("events: marshal jsonl line: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// marshalFrame renders an event as a single-line JSON object carrying
// ts/runId/type plus its type-specific fields flattened alongside them.
func marshalFrame(evt models.Event) ([]byte, error) {
	out := map[string]interface{}{
		"ts":    evt.Ts.Format(time.RFC3339Nano),
		"runId": evt.RunID,
		"type":  evt.Type,
	}
	for k, v := range evt.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}
