package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const (
	deepgramListenURL = "wss://api.deepgram.com/v1/listen"
	providerDeepgram  = "deepgram"
)

// Deepgram implements Provider using the Deepgram live transcription API.
type Deepgram struct {
	config *Config

	mu     sync.Mutex
	conn   *websocket.Conn
	opened bool
	closed bool

	cb         Callbacks
	aggregator transcriptAggregator

	lastAudio time.Time
}

// NewDeepgram creates a new Deepgram transcription provider.
func NewDeepgram(opts ...Option) (*Deepgram, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Deepgram{config: cfg}, nil
}

// Open dials the live transcription websocket and starts the read loop.
func (d *Deepgram) Open(ctx context.Context, cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return WrapError(providerDeepgram, ErrClosed)
	}
	if d.opened {
		return WrapError(providerDeepgram, ErrAlreadyOpen)
	}

	conn, err := d.dial(ctx)
	if err != nil {
		return err
	}

	d.conn = conn
	d.opened = true
	d.cb = cb
	d.aggregator = transcriptAggregator{cb: cb, logger: d.config.Logger}

	go d.readLoop(ctx, conn)
	go d.keepAlive(ctx)

	return nil
}

// SendAudio forwards one audio frame. While the backend connection is
// down the frame is silently dropped; the read loop handles redialing.
func (d *Deepgram) SendAudio(audio []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil || d.closed {
		return nil
	}

	d.lastAudio = time.Now()
	if err := d.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return WrapError(providerDeepgram, fmt.Errorf("write audio: %w", err))
	}
	return nil
}

// Close signals end of stream to the backend and releases the connection.
func (d *Deepgram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.conn != nil {
		// Best effort: ask the backend to flush before tearing down.
		_ = d.conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
		err := d.conn.Close()
		d.conn = nil
		if err != nil {
			return WrapError(providerDeepgram, err)
		}
	}
	return nil
}

// dial opens the websocket with query parameters matching the telephony
// audio format and endpointing behavior.
func (d *Deepgram) dial(ctx context.Context) (*websocket.Conn, error) {
	base := d.config.BaseURL
	if base == "" {
		base = deepgramListenURL
	}

	listenURL, err := url.Parse(base)
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("parse url: %w", err))
	}

	q := listenURL.Query()
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", "1")
	q.Set("model", d.config.Model)
	q.Set("language", d.config.Language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.Itoa(d.config.Endpointing))
	q.Set("utterance_end_ms", strconv.Itoa(d.config.UtteranceEndMs))
	listenURL.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + d.config.APIKey}})
	if err != nil {
		return nil, WrapError(providerDeepgram, fmt.Errorf("dial: %w", err))
	}
	return conn, nil
}

// readLoop reads backend messages until the connection drops or the
// provider closes. On an unexpected drop it redials once after a short
// backoff; if that fails the session continues without transcription.
func (d *Deepgram) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			d.mu.Lock()
			closed := d.closed
			d.conn = nil
			d.mu.Unlock()

			if closed || ctx.Err() != nil {
				return
			}

			d.config.Logger.Warn("transcription connection dropped, redialing",
				"error", err,
				"backoff", d.config.ReconnectDelay,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.ReconnectDelay):
			}

			next, dialErr := d.dial(ctx)
			if dialErr != nil {
				d.config.Logger.Error("transcription redial failed, audio feed disabled",
					"error", dialErr,
				)
				return
			}

			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				next.Close()
				return
			}
			d.conn = next
			d.mu.Unlock()
			conn = next
			continue
		}

		if msgType != websocket.BinaryMessage {
			d.aggregator.process(msg)
		}
	}
}

// keepAlive keeps the backend connection open across long silences.
func (d *Deepgram) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			if d.conn != nil && time.Since(d.lastAudio) > 5*time.Second {
				if err := d.conn.WriteJSON(struct {
					Type string `json:"type"`
				}{Type: "KeepAlive"}); err != nil {
					d.config.Logger.Warn("keepalive write failed", "error", err)
				}
			}
			d.mu.Unlock()
		}
	}
}

// Verify Deepgram implements Provider at compile time.
var _ Provider = (*Deepgram)(nil)
