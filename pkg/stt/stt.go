// Package stt provides streaming speech-to-text for live call audio.
//
// A Provider holds one persistent connection to the transcription backend
// for the lifetime of a call. Audio frames are forwarded in receipt order;
// transcription results come back through callbacks registered at Open.
//
// Example usage:
//
//	provider, _ := stt.NewDeepgram(stt.WithAPIKey(os.Getenv("DEEPGRAM_API_KEY")))
//	provider.Open(ctx, stt.Callbacks{
//	    OnTranscript: func(text string) { ... },
//	})
//	defer provider.Close()
//
//	provider.SendAudio(frame)
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Provider is the streaming transcription interface.
type Provider interface {
	// Open establishes the backend connection and registers callbacks.
	// It must be called exactly once, before any SendAudio.
	Open(ctx context.Context, cb Callbacks) error

	// SendAudio forwards one audio frame to the backend. Frames sent
	// while the connection is down are silently dropped.
	SendAudio(audio []byte) error

	// Close releases the backend connection.
	Close() error
}

// Callbacks are invoked from the provider's read loop as backend events
// arrive. Nil callbacks are skipped.
type Callbacks struct {
	// OnSpeechStarted fires as soon as the backend detects speech onset,
	// independent of transcript availability. This is the barge-in trigger.
	OnSpeechStarted func()

	// OnInterim delivers partial transcript text for an utterance in progress.
	OnInterim func(text string)

	// OnTranscript delivers the final transcript, exactly once per
	// completed utterance.
	OnTranscript func(text string)
}

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("stt: API key required")

	// ErrAlreadyOpen is returned when Open is called twice.
	ErrAlreadyOpen = errors.New("stt: connection already open")

	// ErrClosed is returned when using a closed provider.
	ErrClosed = errors.New("stt: provider closed")
)

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// Config holds transcription provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	APIKey  string
	BaseURL string

	// Audio input format
	Encoding   string
	SampleRate int

	// Model selection
	Model    string
	Language string

	// Endpointing behavior (milliseconds)
	Endpointing    int
	UtteranceEndMs int

	// Reconnect policy: one redial after ReconnectDelay when the
	// backend connection drops mid-call.
	ReconnectDelay time.Duration

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the default backend URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithEncoding sets the inbound audio encoding and sample rate.
func WithEncoding(encoding string, sampleRate int) Option {
	return func(c *Config) {
		c.Encoding = encoding
		c.SampleRate = sampleRate
	}
}

// WithModel sets the transcription model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLanguage sets the transcription language.
func WithLanguage(language string) Option {
	return func(c *Config) { c.Language = language }
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns defaults tuned for telephony audio.
func DefaultConfig() *Config {
	return &Config{
		Encoding:       "mulaw",
		SampleRate:     8000,
		Model:          "nova-2",
		Language:       "en-US",
		Endpointing:    200,
		UtteranceEndMs: 1000,
		ReconnectDelay: 500 * time.Millisecond,
		Logger:         slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
