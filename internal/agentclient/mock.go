package agentclient

import (
	"context"
	"time"

	"github.com/agentoven/sandboxctl/pkg/models"
)

// MockClient implements contracts.AgentClient with a scripted response, for
// tests that drive RunService without a real container.
type MockClient struct {
	RespondFunc func(req models.AgentRequest) (*models.AgentResponse, error)

	// Delay, when set, makes Execute wait before responding, honoring
	// ctx's deadline instead of always returning synchronously. Tests use
	// this to exercise RunService's agent-timeout path.
	Delay time.Duration
}

func (m *MockClient) Execute(ctx context.Context, _ string, req models.AgentRequest) (*models.AgentResponse, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.RespondFunc != nil {
		return m.RespondFunc(req)
	}
	return &models.AgentResponse{FinalText: "ok"}, nil
}
