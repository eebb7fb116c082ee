package agent

import (
	"context"
	"fmt"
	"sync"

	"longform/pkg/agent/llm"
)

// MockLLMClient provides a controllable implementation of llm.LLMClient for testing.
//
// Errors are indexed by call number: a non-nil errors[i] fails call i without
// consuming a response. Responses are consumed in order by successful calls.
// The mock is safe for concurrent use; pipelines run their agents on goroutines.
type MockLLMClient struct {
	mu            sync.Mutex
	responses     []llm.CompletionResponse
	responseIndex int
	errors        []error
	calls         int
	requests      []llm.CompletionRequest
	modelName     string
}

// NewMockLLMClient creates a new mock client with predefined responses.
func NewMockLLMClient(responses []llm.CompletionResponse, errors []error) *MockLLMClient {
	return &MockLLMClient{
		responses: responses,
		errors:    errors,
		modelName: "mock-model",
	}
}

// SetModelName overrides the model name reported by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelName = name
}

// Complete returns the next predefined response or error.
func (m *MockLLMClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next(req)
}

// Stream returns a channel carrying the next predefined response as a single chunk.
func (m *MockLLMClient) Stream(_ context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	resp, err := m.next(req)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 1)
	go func() {
		defer close(ch)
		ch <- llm.StreamChunk{
			Content: resp.Content,
			Done:    true,
		}
	}()

	return ch, nil
}

// GetModelName returns the configured mock model name.
func (m *MockLLMClient) GetModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelName
}

// Requests returns a copy of every request the mock has seen, in order.
func (m *MockLLMClient) Requests() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of calls made against the mock.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// next serves the scripted error or response for the current call.
// Caller must hold m.mu.
func (m *MockLLMClient) next(req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.requests = append(m.requests, req)
	call := m.calls
	m.calls++

	if call < len(m.errors) && m.errors[call] != nil {
		return llm.CompletionResponse{}, m.errors[call]
	}

	if m.responseIndex >= len(m.responses) {
		return llm.CompletionResponse{}, fmt.Errorf("mock client: no more responses (call %d)", call+1)
	}

	resp := m.responses[m.responseIndex]
	m.responseIndex++
	return resp, nil
}
