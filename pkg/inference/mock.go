package inference

import (
	"context"
	"sync"
)

// Mock implements Provider for testing.
type Mock struct {
	mu       sync.Mutex
	requests []*ChatRequest

	ChatFunc   func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)
	HealthFunc func(ctx context.Context) error
}

var _ Provider = (*Mock)(nil)

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return &ChatResponse{
		Message:      NewAssistantMessage("mock response"),
		FinishReason: "stop",
	}, nil
}

func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	return NewMockStream("mock response"), nil
}

func (m *Mock) Health(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

func (m *Mock) Close() error { return nil }

// Requests returns the recorded chat requests.
func (m *Mock) Requests() []*ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// MockStream replays a fixed sequence of deltas.
type MockStream struct {
	mu     sync.Mutex
	deltas []string
	pos    int
	closed bool

	// Err, when set, is returned after the deltas are exhausted
	// instead of a final done chunk.
	Err error
}

var _ Stream = (*MockStream)(nil)

// NewMockStream creates a stream that yields the given deltas then finishes.
func NewMockStream(deltas ...string) *MockStream {
	return &MockStream{deltas: deltas}
}

func (s *MockStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if s.pos < len(s.deltas) {
		delta := s.deltas[s.pos]
		s.pos++
		return &StreamChunk{Delta: delta}, nil
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &StreamChunk{FinishReason: "stop", Done: true}, nil
}

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
