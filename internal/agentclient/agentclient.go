// Package agentclient implements the AgentClient contract: a single
// synchronous HTTP call into the agent worker running inside a workspace
// container.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/sandboxctl/pkg/models"
)

// HTTPClient calls POST /run on the agent worker's exposed port.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient returns a client with no overall timeout set on the
// underlying http.Client — callers are expected to bound the call via
// ctx, since run durations vary widely by agent and task.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

// Execute posts req to http://addr/run and decodes the agent's response.
func (c *HTTPClient) Execute(ctx context.Context, addr string, req models.AgentRequest) (*models.AgentResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encode request: %w", err)
	}

	url := "http://" + addr + "/run"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agentclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agentclient: call %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("agentclient: read response body: %w", err)
	}

	latency := time.Since(start)
	log.Info().
		Str("run_id", req.RunID).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("agent worker call complete")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentclient: %s returned status %d: %s", url, resp.StatusCode, string(respBody))
	}

	var agentResp models.AgentResponse
	if err := json.Unmarshal(respBody, &agentResp); err != nil {
		return nil, fmt.Errorf("agentclient: decode response: %w", err)
	}
	return &agentResp, nil
}
