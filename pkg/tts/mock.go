package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	mu    sync.Mutex
	calls []string

	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)
	HealthFunc     func(ctx context.Context) error
}

var _ Provider = (*Mock)(nil)

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	m.mu.Unlock()

	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text)
	}

	// One mulaw silence byte per character keeps durations proportional.
	audio := make([]byte, len(text))
	for i := range audio {
		audio[i] = 0xFF
	}
	return &AudioResult{
		Audio: audio,
		Format: AudioFormat{
			Encoding:   EncodingULaw,
			SampleRate: 8000,
			Channels:   1,
			BitDepth:   8,
		},
		CharCount: len(text),
		Duration:  time.Duration(len(text)) * time.Second / 8000,
	}, nil
}

func (m *Mock) Health(ctx context.Context) error {
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

func (m *Mock) Close() error { return nil }

// Calls returns the texts synthesized so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}
