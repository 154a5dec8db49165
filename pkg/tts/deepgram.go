package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fixly-app/voicebridge/internal/httpc"
)

const (
	deepgramBaseURL  = "https://api.deepgram.com"
	providerDeepgram = "deepgram"
)

// Deepgram Aura voice models
const (
	// VoiceAsteria is a warm US English female voice.
	VoiceAsteria = "aura-asteria-en"

	// VoiceLuna is a calm US English female voice.
	VoiceLuna = "aura-luna-en"

	// VoiceOrion is a US English male voice.
	VoiceOrion = "aura-orion-en"

	// VoiceHelios is a UK English male voice.
	VoiceHelios = "aura-helios-en"
)

// Deepgram implements Provider for Deepgram Aura TTS.
// Aura synthesizes telephony encodings natively, so mulaw audio comes
// back ready for the phone leg with no transcoding step.
type Deepgram struct {
	config  *Config
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// NewDeepgram creates a new Deepgram Aura TTS provider.
func NewDeepgram(opts ...Option) (*Deepgram, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = deepgramBaseURL
	}

	return &Deepgram{
		config:  cfg,
		client:  httpc.NewClient(cfg.Timeout),
		logger:  cfg.Logger.With("component", "tts.deepgram"),
		baseURL: baseURL,
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (d *Deepgram) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if text == "" {
		return nil, WrapError(providerDeepgram, ErrEmptyText)
	}

	start := time.Now()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.speakURL(), bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Authorization", "Token "+d.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.doWithRetry(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	latency := time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return nil, d.parseError(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("read response: %w", err))
	}

	d.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", d.config.Voice,
	)

	return &AudioResult{
		Audio:     audio,
		Format:    d.outputFormat(),
		CharCount: len(text),
		LatencyMs: latency,
		Duration:  d.estimateDuration(len(audio)),
	}, nil
}

// Health checks API connectivity and API key validity.
func (d *Deepgram) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", d.baseURL+"/v1/projects", nil)
	if err != nil {
		return WrapError(providerDeepgram, err)
	}

	req.Header.Set("Authorization", "Token "+d.config.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return WrapError(providerDeepgram, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return d.parseError(resp)
	}

	return nil
}

// Close releases resources held by the provider.
func (d *Deepgram) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// Voice returns the configured Aura voice model.
func (d *Deepgram) Voice() string {
	return d.config.Voice
}

// speakURL builds the speak endpoint URL with encoding parameters.
func (d *Deepgram) speakURL() string {
	q := url.Values{}
	q.Set("model", d.config.Voice)

	switch d.config.OutputFormat {
	case EncodingULaw:
		q.Set("encoding", "mulaw")
		q.Set("sample_rate", "8000")
		q.Set("container", "none")
	case EncodingMP3:
		q.Set("encoding", "mp3")
	default:
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(SampleRateFromEncoding(d.config.OutputFormat)))
		q.Set("container", "none")
	}

	return d.baseURL + "/v1/speak?" + q.Encode()
}

// doWithRetry performs the request with retry logic.
func (d *Deepgram) doWithRetry(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.config.RetryDelay * time.Duration(attempt)):
			}
			// Reset body for retry
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = WrapError(providerDeepgram, err)
			continue
		}

		// Check if retryable
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			lastErr = d.parseError(resp)
			resp.Body.Close()
			d.logger.Warn("retrying request",
				"attempt", attempt+1,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// parseError reads and parses an error response.
func (d *Deepgram) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		ErrCode string `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}

	message := string(body)
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.ErrMsg != "" {
		message = errResp.ErrMsg
		code = errResp.ErrCode
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerDeepgram,
	}
}

// outputFormat returns the audio format configuration.
func (d *Deepgram) outputFormat() AudioFormat {
	f := AudioFormat{
		Encoding:   d.config.OutputFormat,
		SampleRate: SampleRateFromEncoding(d.config.OutputFormat),
		Channels:   1,
		BitDepth:   16,
	}
	if d.config.OutputFormat == EncodingULaw {
		f.BitDepth = 8
	}
	return f
}

// estimateDuration estimates audio duration from byte count.
func (d *Deepgram) estimateDuration(byteCount int) time.Duration {
	sampleRate := SampleRateFromEncoding(d.config.OutputFormat)
	samples := byteCount
	if d.config.OutputFormat != EncodingULaw {
		// PCM16 = 2 bytes per sample
		samples = byteCount / 2
	}
	seconds := float64(samples) / float64(sampleRate)
	return time.Duration(seconds * float64(time.Second))
}

// Verify Deepgram implements Provider at compile time.
var _ Provider = (*Deepgram)(nil)
