package promptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gvpkumar27/promptops-chat-lab/pkg/provider"
)

// MockProvider replays pre-configured responses in sequence and records
// every request it receives. It is safe for concurrent use.
type MockProvider struct {
	// Delay is waited before each response to simulate model latency.
	Delay time.Duration

	responses []provider.Response
	mu        sync.Mutex
	idx       int
	requests  []provider.Request
}

// NewMockProvider creates a MockProvider that returns the given responses
// in order. Once all responses are consumed, subsequent calls return an
// error.
func NewMockProvider(responses ...provider.Response) *MockProvider {
	return &MockProvider{responses: responses}
}

// Chat returns the next pre-configured response. It ignores the request
// contents entirely; responses come back in the order they were provided.
func (m *MockProvider) Chat(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, *req)
	if m.idx >= len(m.responses) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no more responses (total %d)", len(m.responses))
	}
	resp := m.responses[m.idx]
	m.idx++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	return &resp, nil
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Calls returns how many chat requests the mock has received, including
// calls that failed for lack of a scripted response.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded chat requests in arrival order.
func (m *MockProvider) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// echoProvider answers with the last user message. It is the default
// harness backend so cases run without a model endpoint.
type echoProvider struct{}

func (echoProvider) Chat(_ context.Context, req *provider.Request) (*provider.Response, error) {
	content := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == provider.RoleUser {
			content = req.Messages[i].Content
			break
		}
	}
	return &provider.Response{Content: content}, nil
}

func (echoProvider) Name() string { return "echo" }
