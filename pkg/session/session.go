// Package session orchestrates one phone call end to end.
//
// A Session owns the per-call pipeline: inbound audio flows to the
// transcription backend, final transcripts drive the conversation
// engine, reply segments are synthesized concurrently and played back
// in order, and caller speech during playback cancels it (barge-in).
//
// All session state is owned by a single event-loop goroutine. Every
// external stimulus, whether an inbound envelope, a transcription
// callback, or a finished synthesis call, arrives as a tagged event on
// one channel, so no mutex guards the turn bookkeeping.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fixly-app/voicebridge/internal/metrics"
	"github.com/fixly-app/voicebridge/pkg/convo"
	"github.com/fixly-app/voicebridge/pkg/stt"
	"github.com/fixly-app/voicebridge/pkg/telephony"
	"github.com/fixly-app/voicebridge/pkg/tts"
)

// State is the session lifecycle state.
type State int

const (
	// StateIdle is the window between the channel opening and the
	// telephony start envelope arriving.
	StateIdle State = iota

	// StateListening means the caller has the floor.
	StateListening

	// StateSpeaking means assistant audio is playing or queued.
	StateSpeaking

	// StateInterrupting is the transient barge-in handling state.
	StateInterrupting

	// StateTerminated means the session is over and resources released.
	StateTerminated
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateInterrupting:
		return "interrupting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Channel is the outbound side of the telephony leg. Implementations
// must serialize writes; Send may be called only from the session loop.
type Channel interface {
	Send(env *telephony.Envelope) error
}

// DefaultApology is spoken when a turn fails or times out.
const DefaultApology = "Sorry, I'm having trouble on my end. Could you say that again?"

// Config holds session tuning knobs.
type Config struct {
	// ID identifies the session in logs. Defaults to a fresh uuid.
	ID string

	// TurnTimeout bounds the wait from final transcript to first
	// audible clip. Zero disables the bound.
	TurnTimeout time.Duration

	// BargeInMinRunes is the interim-transcript length above which
	// caller speech counts as an interruption.
	BargeInMinRunes int

	// Apology is the fallback line for failed or timed-out turns.
	Apology string

	// Logger is the structured logger for this session.
	Logger *slog.Logger

	// Metrics receives session counters.
	Metrics *metrics.Metrics
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithID sets the session identifier.
func WithID(id string) Option {
	return func(c *Config) { c.ID = id }
}

// WithTurnTimeout bounds the wait for a turn's first clip.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Config) { c.TurnTimeout = d }
}

// WithBargeInThreshold sets the interim length that triggers barge-in.
func WithBargeInThreshold(runes int) Option {
	return func(c *Config) { c.BargeInMinRunes = runes }
}

// WithApology sets the fallback line for failed turns.
func WithApology(text string) Option {
	return func(c *Config) { c.Apology = text }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// DefaultConfig returns sensible session defaults.
func DefaultConfig() *Config {
	return &Config{
		TurnTimeout:     12 * time.Second,
		BargeInMinRunes: 5,
		Apology:         DefaultApology,
		Logger:          slog.Default(),
		Metrics:         metrics.Default,
	}
}

// Session drives one phone call. Create with New, feed inbound frames
// through HandleRaw, and run the event loop with Run.
type Session struct {
	cfg    *Config
	ch     Channel
	sttp   stt.Provider
	engine *convo.Engine
	synth  *synthesizer
	m      *metrics.Metrics

	// logger is loop-owned: it picks up the call identifiers when the
	// stream starts. ingress never changes and is safe from the
	// transport goroutine feeding HandleRaw.
	logger  *slog.Logger
	ingress *slog.Logger

	events chan event
	done   chan struct{}

	// Loop-owned state. Touched only by the event-loop goroutine
	// (or by tests driving handle directly).
	state        State
	streamSID    string
	callSID      string
	turn         int
	staleThrough int
	bargedTurn   int
	pendingMarks map[string]struct{}
	playout      *playout
	turnSegments int
	turnClips    int
	apologized   bool
	turnTimer    *time.Timer
	turns        *turnCollector
	started      time.Time
	termErr      error
}

// New creates a session over the given channel and backends.
func New(ch Channel, sttProvider stt.Provider, engine *convo.Engine, ttsProvider tts.Provider, opts ...Option) *Session {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	logger := cfg.Logger.With("session_id", cfg.ID)

	s := &Session{
		cfg:          cfg,
		ch:           ch,
		sttp:         sttProvider,
		engine:       engine,
		logger:       logger,
		ingress:      logger,
		m:            cfg.Metrics,
		events:       make(chan event, 256),
		done:         make(chan struct{}),
		state:        StateIdle,
		staleThrough: -1,
		bargedTurn:   -1,
		pendingMarks: make(map[string]struct{}),
		playout:      newPlayout(),
		turns:        newTurnCollector(),
	}
	s.synth = newSynthesizer(ttsProvider, logger, s.push, cfg.Metrics)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// StreamSID returns the telephony stream ID, empty until start arrives.
func (s *Session) StreamSID() string { return s.streamSID }

// CallSID returns the call ID, empty until start arrives.
func (s *Session) CallSID() string { return s.callSID }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Turn returns the current conversation turn index.
func (s *Session) Turn() int { return s.turn }

// TurnMetrics returns average per-turn latencies over recent turns.
func (s *Session) TurnMetrics() TurnMetrics { return s.turns.Average() }

// HandleRaw feeds one raw inbound websocket message to the session.
// Malformed envelopes are dropped and logged, never fatal.
func (s *Session) HandleRaw(data []byte) {
	env, err := telephony.Parse(data)
	if err != nil {
		s.ingress.Warn("dropping malformed envelope", "error", err)
		return
	}
	s.push(event{kind: evEnvelope, env: env})
}

// Shutdown signals that the transport has gone away. The event loop
// terminates after draining whatever is already queued.
func (s *Session) Shutdown() {
	s.push(event{kind: evClosed})
}

// Run opens the transcription connection and processes events until
// the session terminates. Returns nil on a normal hangup and an error
// on transport failure.
func (s *Session) Run(ctx context.Context) error {
	s.started = time.Now()
	s.m.RecordSessionStart()
	defer func() {
		s.m.RecordSessionEnd(time.Since(s.started).Seconds())
	}()

	err := s.sttp.Open(ctx, stt.Callbacks{
		OnSpeechStarted: func() { s.push(event{kind: evSpeechStarted}) },
		OnInterim:       func(text string) { s.push(event{kind: evInterim, text: text}) },
		OnTranscript:    func(text string) { s.push(event{kind: evTranscript, text: text}) },
	})
	if err != nil {
		s.terminate("transcription unavailable")
		return fmt.Errorf("open transcription: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.terminate("context cancelled")
			return ctx.Err()
		case ev := <-s.events:
			s.handle(ctx, ev)
			if s.state == StateTerminated {
				return s.termErr
			}
		}
	}
}

// push queues one event for the loop. Events sent after termination
// are discarded.
func (s *Session) push(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evEnvelope:
		s.handleEnvelope(ctx, ev.env)
	case evSpeechStarted:
		s.maybeBargeIn("speech started")
	case evInterim:
		if utf8.RuneCountInString(ev.text) > s.cfg.BargeInMinRunes {
			s.maybeBargeIn("interim transcript")
		}
	case evTranscript:
		s.handleTranscript(ctx, ev.text)
	case evSegment:
		s.handleSegment(ctx, ev.seg)
	case evTurnDone:
		s.handleTurnDone(ctx, ev.turn, ev.err)
	case evClip:
		s.handleClip(ev.clip)
	case evClipFailed:
		s.handleClipFailed(ev.turn, ev.err)
	case evApologyClip:
		s.handleApologyClip(ev.clip)
	case evTurnTimeout:
		s.handleTurnTimeout(ctx, ev.turn)
	case evClosed:
		s.terminate("channel closed")
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env *telephony.Envelope) {
	switch env.Event {
	case telephony.EventConnected:
		s.logger.Debug("telephony connected")

	case telephony.EventStart:
		s.streamSID = env.Start.StreamSID
		s.callSID = env.Start.CallSID
		s.engine.SetCallSID(s.callSID)
		// Every log line from here on carries the call identifiers.
		s.logger = s.logger.With("stream_sid", s.streamSID, "call_sid", s.callSID)
		s.logger.Info("media stream started")
		s.playout.reset(0)
		s.synth.synthesize(ctx, convo.Segment{
			Turn:  0,
			Index: UnorderedIndex,
			Text:  s.engine.Greeting(),
		})
		s.state = StateListening

	case telephony.EventMedia:
		audio, err := env.Media.Decode()
		if err != nil {
			s.logger.Warn("dropping bad media frame", "error", err)
			return
		}
		s.m.RecordAudioIn(len(audio))
		if err := s.sttp.SendAudio(audio); err != nil {
			s.logger.Warn("audio frame not forwarded", "error", err)
		}

	case telephony.EventMark:
		s.handleMarkAck(env.Mark.Name)

	case telephony.EventStop:
		s.logger.Info("media stream ended")
	}
}

func (s *Session) handleMarkAck(label string) {
	if _, ok := s.pendingMarks[label]; !ok {
		// Duplicate or already-cleared ack
		return
	}
	delete(s.pendingMarks, label)
	if len(s.pendingMarks) == 0 && s.state == StateSpeaking {
		s.state = StateListening
		s.turns.MarkTurnDone()
	}
}

func (s *Session) handleTranscript(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	s.stopTurnTimer()
	s.turn++
	s.turnSegments = 0
	s.turnClips = 0
	s.apologized = false
	s.playout.reset(s.turn)
	s.turns.MarkTranscript()

	turn := s.turn
	s.logger.Info("final transcript", "turn", turn, "chars", len(text))
	s.startTurnTimer(turn)

	reply := s.engine.Complete(ctx, turn, text)
	go func() {
		for seg := range reply.Segments() {
			s.push(event{kind: evSegment, seg: seg})
		}
		s.push(event{kind: evTurnDone, turn: turn, err: reply.Err()})
	}()
}

func (s *Session) handleSegment(ctx context.Context, seg convo.Segment) {
	if seg.Turn != s.turn || seg.Turn <= s.staleThrough {
		return
	}
	if s.turnSegments == 0 {
		if start := s.turns.Current().TranscriptTime; !start.IsZero() {
			s.m.RecordBackendLatency("inference", time.Since(start).Seconds())
		}
	}
	s.turnSegments++
	s.turns.MarkSegment()
	s.synth.synthesize(ctx, seg)
}

func (s *Session) handleTurnDone(ctx context.Context, turn int, err error) {
	if turn != s.turn {
		return
	}
	if err != nil {
		s.m.RecordBackendError("inference")
		s.m.RecordTurnFailure("completion")
		s.logger.Error("turn completion failed", "turn", turn, "error", err)
		if s.turnSegments == 0 {
			s.speakApology(ctx, turn)
		}
		return
	}
	s.logger.Debug("turn reply complete", "turn", turn, "segments", s.turnSegments)
}

func (s *Session) handleClip(clip *AudioClip) {
	if clip.Turn <= s.staleThrough || clip.Turn != s.turn {
		s.m.RecordStaleClip()
		return
	}
	for _, ready := range s.playout.add(clip) {
		s.deliver(ready)
		if s.state == StateTerminated {
			return
		}
	}
}

func (s *Session) handleClipFailed(turn int, err error) {
	if turn != s.turn || turn <= s.staleThrough {
		return
	}
	s.m.RecordBackendError("tts")
	s.m.RecordTurnFailure("synthesis")
	s.logger.Error("clip synthesis failed", "turn", turn, "error", err)
	if len(s.pendingMarks) == 0 {
		s.state = StateListening
	}
}

// handleApologyClip deliberately skips the stale filter: a timed-out
// turn is marked stale so its late clips die, but the apology recorded
// for it must still reach the caller unless they have moved on.
func (s *Session) handleApologyClip(clip *AudioClip) {
	if clip.Turn != s.turn || clip.Turn == s.bargedTurn {
		return
	}
	s.deliver(clip)
}

func (s *Session) handleTurnTimeout(ctx context.Context, turn int) {
	if turn != s.turn || s.turnClips > 0 {
		return
	}
	s.logger.Warn("turn produced no audio in time", "turn", turn)
	s.m.RecordTurnFailure("timeout")
	s.staleThrough = turn
	s.speakApology(ctx, turn)
}

func (s *Session) speakApology(ctx context.Context, turn int) {
	if s.apologized {
		return
	}
	s.apologized = true
	s.synth.apologize(ctx, turn, s.cfg.Apology)
}

// deliver sends one clip and its completion mark to the phone leg.
func (s *Session) deliver(clip *AudioClip) {
	label := uuid.NewString()

	if err := s.ch.Send(telephony.NewMediaMessage(s.streamSID, clip.Audio)); err != nil {
		s.transportFailure(err)
		return
	}
	if err := s.ch.Send(telephony.NewMarkMessage(s.streamSID, label)); err != nil {
		s.transportFailure(err)
		return
	}

	s.pendingMarks[label] = struct{}{}
	s.state = StateSpeaking
	s.m.RecordClipOut(len(clip.Audio))

	if clip.Turn == s.turn && clip.Turn > 0 {
		if s.turnClips == 0 {
			s.stopTurnTimer()
			if cur := s.turns.Current(); !cur.TranscriptTime.IsZero() {
				s.m.RecordTurn(time.Since(cur.TranscriptTime).Seconds())
			}
		}
		s.turnClips++
	}
	s.turns.MarkClip()
}

func (s *Session) maybeBargeIn(trigger string) {
	if len(s.pendingMarks) == 0 {
		return
	}

	s.state = StateInterrupting
	s.logger.Info("barge-in, clearing playback", "turn", s.turn, "trigger", trigger)

	if err := s.ch.Send(telephony.NewClearMessage(s.streamSID)); err != nil {
		s.transportFailure(err)
		return
	}

	s.pendingMarks = make(map[string]struct{})
	s.staleThrough = s.turn
	s.bargedTurn = s.turn
	s.playout.reset(s.turn)
	s.m.RecordBargeIn()
	s.state = StateListening
}

func (s *Session) transportFailure(err error) {
	s.logger.Error("transport failure", "error", err)
	s.termErr = fmt.Errorf("transport: %w", err)
	s.terminate("transport error")
}

func (s *Session) terminate(reason string) {
	if s.state == StateTerminated {
		return
	}
	s.state = StateTerminated
	close(s.done)
	s.stopTurnTimer()

	if err := s.sttp.Close(); err != nil {
		s.logger.Debug("transcription close", "error", err)
	}
	s.synth.drain()

	s.logger.Info("session terminated",
		"reason", reason,
		"turns", s.turn,
		"duration", time.Since(s.started).Round(time.Millisecond),
	)
}

func (s *Session) startTurnTimer(turn int) {
	if s.cfg.TurnTimeout <= 0 {
		return
	}
	s.turnTimer = time.AfterFunc(s.cfg.TurnTimeout, func() {
		s.push(event{kind: evTurnTimeout, turn: turn})
	})
}

func (s *Session) stopTurnTimer() {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
}
