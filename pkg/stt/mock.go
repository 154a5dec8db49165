package stt

import (
	"context"
	"sync"
)

// Mock implements Provider for testing.
// Backend events are driven by calling the Emit helpers.
type Mock struct {
	// OpenFunc is called when Open is invoked. If nil, Open succeeds.
	OpenFunc func(ctx context.Context, cb Callbacks) error

	// SendAudioFunc is called when SendAudio is invoked. If nil, the
	// frame is recorded and nil returned.
	SendAudioFunc func(audio []byte) error

	// CloseFunc is called when Close is invoked. If nil, returns nil.
	CloseFunc func() error

	mu     sync.Mutex
	cb     Callbacks
	opened bool
	closed bool
	frames [][]byte
}

// NewMock creates a new mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Open registers callbacks for later emission.
func (m *Mock) Open(ctx context.Context, cb Callbacks) error {
	m.mu.Lock()
	m.cb = cb
	m.opened = true
	m.mu.Unlock()

	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, cb)
	}
	return nil
}

// SendAudio records the frame.
func (m *Mock) SendAudio(audio []byte) error {
	m.mu.Lock()
	frame := make([]byte, len(audio))
	copy(frame, audio)
	m.frames = append(m.frames, frame)
	m.mu.Unlock()

	if m.SendAudioFunc != nil {
		return m.SendAudioFunc(audio)
	}
	return nil
}

// Close marks the provider closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// EmitSpeechStarted fires the speech-start callback.
func (m *Mock) EmitSpeechStarted() {
	if cb := m.callbacks(); cb.OnSpeechStarted != nil {
		cb.OnSpeechStarted()
	}
}

// EmitInterim fires the interim transcript callback.
func (m *Mock) EmitInterim(text string) {
	if cb := m.callbacks(); cb.OnInterim != nil {
		cb.OnInterim(text)
	}
}

// EmitTranscript fires the final transcript callback.
func (m *Mock) EmitTranscript(text string) {
	if cb := m.callbacks(); cb.OnTranscript != nil {
		cb.OnTranscript(text)
	}
}

// Frames returns all audio frames fed so far.
func (m *Mock) Frames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

// Closed reports whether Close was called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) callbacks() Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

// Verify Mock implements Provider at compile time.
var _ Provider = (*Mock)(nil)
