package agentclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentoven/sandboxctl/internal/agentclient"
	"github.com/agentoven/sandboxctl/pkg/models"
)

func TestHTTPClientExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req models.AgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", req.RunID)
		}
		json.NewEncoder(w).Encode(models.AgentResponse{
			FinalText: "done",
			Diff:      "--- a\n+++ b\n",
			ThreadID:  "thread-1",
		})
	}))
	defer srv.Close()

	c := agentclient.NewHTTPClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	resp, err := c.Execute(context.Background(), addr, models.AgentRequest{Text: "fix the bug", RunID: "run-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.FinalText != "done" || resp.ThreadID != "thread-1" {
		t.Errorf("Execute() = %+v", resp)
	}
}

func TestHTTPClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := agentclient.NewHTTPClient()
	addr := strings.TrimPrefix(srv.URL, "http://")
	if _, err := c.Execute(context.Background(), addr, models.AgentRequest{RunID: "run-2"}); err == nil {
		t.Error("Execute() expected error on 500 response, got nil")
	}
}
