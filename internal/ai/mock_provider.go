package ai

import (
	"context"
	"sync"
)

// MockProvider is a test provider that records calls and returns configurable
// responses. Responses are keyed by sub-model id; a Handler, when set, takes
// precedence over the queues.
type MockProvider struct {
	name      string
	mu        sync.Mutex
	responses map[string][]MockResponse
	calls     []MockCall
	handler   func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// MockResponse represents a pre-configured response for the mock provider
type MockResponse struct {
	Content string
	Error   error
}

// MockCall records information about a call to GenerateResponse
type MockCall struct {
	Request *GenerateRequest
}

// NewMockProvider creates a new mock provider for testing
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		responses: make(map[string][]MockResponse),
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return m.name
}

// GenerateResponse records the call and returns the next response queued for
// the requested model, or "Mock response" when nothing is queued.
func (m *MockProvider) GenerateResponse(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Request: req})
	handler := m.handler

	var resp *MockResponse
	if queue := m.responses[req.Model]; len(queue) > 0 {
		resp = &queue[0]
		m.responses[req.Model] = queue[1:]
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if resp == nil {
		return &GenerateResponse{Content: "Mock response", Model: req.Model}, nil
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &GenerateResponse{Content: resp.Content, Model: req.Model}, nil
}

// SetHandler installs a function that answers every call.
func (m *MockProvider) SetHandler(fn func(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// AddResponse queues a reply for the given sub-model.
func (m *MockProvider) AddResponse(model, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[model] = append(m.responses[model], MockResponse{Content: content})
}

// AddErrorResponse queues a failure for the given sub-model.
func (m *MockProvider) AddErrorResponse(model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[model] = append(m.responses[model], MockResponse{Error: err})
}

// GetCalls returns all recorded calls to GenerateResponse
func (m *MockProvider) GetCalls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall{}, m.calls...)
}

// GetCallCount returns the number of times GenerateResponse was called
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears all recorded calls and responses
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.responses = make(map[string][]MockResponse)
	m.handler = nil
}
