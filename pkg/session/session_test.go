package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/fixly-app/voicebridge/internal/metrics"
	"github.com/fixly-app/voicebridge/pkg/convo"
	"github.com/fixly-app/voicebridge/pkg/inference"
	"github.com/fixly-app/voicebridge/pkg/stt"
	"github.com/fixly-app/voicebridge/pkg/telephony"
	"github.com/fixly-app/voicebridge/pkg/tts"
)

// fakeChannel records outbound envelopes in send order.
type fakeChannel struct {
	mu   sync.Mutex
	sent []*telephony.Envelope
	err  error
}

func (c *fakeChannel) Send(env *telephony.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) envelopes() []*telephony.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*telephony.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// mediaTexts decodes the payload of every outbound media envelope.
// The test synthesizer returns the segment text as audio bytes, so
// this reconstructs what the caller would hear, in order.
func (c *fakeChannel) mediaTexts(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, env := range c.envelopes() {
		if env.Event != telephony.EventMedia {
			continue
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			t.Fatalf("bad media payload: %v", err)
		}
		out = append(out, string(audio))
	}
	return out
}

func (c *fakeChannel) markNames() []string {
	var out []string
	for _, env := range c.envelopes() {
		if env.Event == telephony.EventMark {
			out = append(out, env.Mark.Name)
		}
	}
	return out
}

func (c *fakeChannel) eventNames() []string {
	var out []string
	for _, env := range c.envelopes() {
		out = append(out, string(env.Event))
	}
	return out
}

// echoTTS makes each clip's audio equal to its segment text.
func echoTTS() *tts.Mock {
	m := tts.NewMock()
	m.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		return &tts.AudioResult{
			Audio:  []byte(text),
			Format: tts.AudioFormat{Encoding: tts.EncodingULaw, SampleRate: 8000, Channels: 1, BitDepth: 8},
		}, nil
	}
	return m
}

func replyWith(deltas ...string) *inference.Mock {
	m := inference.NewMock()
	m.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return inference.NewMockStream(deltas...), nil
	}
	return m
}

type testSession struct {
	s    *Session
	ch   *fakeChannel
	sttm *stt.Mock
	ttsm *tts.Mock
}

func newTestSession(t *testing.T, llm *inference.Mock, opts ...Option) *testSession {
	t.Helper()
	ch := &fakeChannel{}
	sttm := stt.NewMock()
	ttsm := echoTTS()
	engine := convo.NewEngine(llm, convo.WithGreeting("Welcome to Fixly. • How can I help you today?"))
	opts = append([]Option{WithID("test-session"), WithTurnTimeout(0)}, opts...)
	s := New(ch, sttm, engine, ttsm, opts...)
	return &testSession{s: s, ch: ch, sttm: sttm, ttsm: ttsm}
}

// drainUntil pumps queued events through the loop handler until the
// condition holds. Fails the test if nothing satisfies it in time.
func (ts *testSession) drainUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case ev := <-ts.s.events:
			ts.s.handle(ctx, ev)
		case <-deadline:
			t.Fatal("timed out waiting for session events")
		}
	}
}

func (ts *testSession) mediaCount() int {
	n := 0
	for _, e := range ts.ch.envelopes() {
		if e.Event == telephony.EventMedia {
			n++
		}
	}
	return n
}

func (ts *testSession) start(t *testing.T) {
	t.Helper()
	ts.s.handle(context.Background(), event{kind: evEnvelope, env: &telephony.Envelope{
		Event: telephony.EventStart,
		Start: &telephony.StartData{StreamSID: "SD1", CallSID: "CA1"},
	}})
}

func (ts *testSession) transcript(t *testing.T, text string) {
	t.Helper()
	ts.s.handle(context.Background(), event{kind: evTranscript, text: text})
}

func (ts *testSession) ackMark(label string) {
	ts.s.handle(context.Background(), event{kind: evEnvelope, env: &telephony.Envelope{
		Event: telephony.EventMark,
		Mark:  &telephony.MarkData{Name: label},
	}})
}

func TestGreetingOnStart(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.start(t)

	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	if got := ts.s.StreamSID(); got != "SD1" {
		t.Errorf("stream sid = %q", got)
	}
	if got := ts.s.CallSID(); got != "CA1" {
		t.Errorf("call sid = %q", got)
	}

	texts := ts.ch.mediaTexts(t)
	if len(texts) != 1 {
		t.Fatalf("media clips = %d, want exactly 1 greeting", len(texts))
	}
	if texts[0] != "Welcome to Fixly. How can I help you today?" {
		t.Errorf("greeting = %q", texts[0])
	}

	marks := ts.ch.markNames()
	if len(marks) != 1 || marks[0] == "" {
		t.Fatalf("expected one fresh mark, got %v", marks)
	}
	if len(ts.s.pendingMarks) != 1 {
		t.Errorf("pending marks = %d", len(ts.s.pendingMarks))
	}
}

func TestTurnFlowDeliversSegmentsInOrder(t *testing.T) {
	ts := newTestSession(t, replyWith("A plumber can come out tomorrow. •", " Does 9 AM work?"))

	// Make the first segment's synthesis finish last.
	ts.ttsm.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		if text == "A plumber can come out tomorrow." {
			time.Sleep(30 * time.Millisecond)
		}
		return &tts.AudioResult{
			Audio:  []byte(text),
			Format: tts.AudioFormat{Encoding: tts.EncodingULaw, SampleRate: 8000, Channels: 1, BitDepth: 8},
		}, nil
	}

	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	ts.transcript(t, "my sink is leaking")
	if ts.s.Turn() != 1 {
		t.Fatalf("turn = %d, want 1", ts.s.Turn())
	}

	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 3 })

	texts := ts.ch.mediaTexts(t)
	if texts[1] != "A plumber can come out tomorrow." {
		t.Errorf("clip 0 = %q", texts[1])
	}
	if texts[2] != "Does 9 AM work?" {
		t.Errorf("clip 1 = %q", texts[2])
	}

	if ts.s.State() != StateSpeaking {
		t.Errorf("state = %v, want speaking", ts.s.State())
	}

	// Acknowledge every outstanding mark; the caller gets the floor back.
	for _, label := range ts.ch.markNames() {
		ts.ackMark(label)
	}
	if ts.s.State() != StateListening {
		t.Errorf("state after acks = %v, want listening", ts.s.State())
	}
	if len(ts.s.pendingMarks) != 0 {
		t.Errorf("pending marks = %d", len(ts.s.pendingMarks))
	}
}

func TestTurnCounterAdvancesPerTranscript(t *testing.T) {
	ts := newTestSession(t, replyWith("Okay."))
	ts.start(t)

	ts.transcript(t, "first thing")
	if ts.s.Turn() != 1 {
		t.Errorf("turn = %d, want 1", ts.s.Turn())
	}

	ts.transcript(t, "second thing")
	if ts.s.Turn() != 2 {
		t.Errorf("turn = %d, want 2", ts.s.Turn())
	}

	// Blank transcripts do not advance the conversation.
	ts.transcript(t, "   ")
	if ts.s.Turn() != 2 {
		t.Errorf("turn after blank = %d, want 2", ts.s.Turn())
	}
}

func TestDuplicateMarkAckIsNoOp(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	marks := ts.ch.markNames()
	if len(marks) != 1 {
		t.Fatalf("marks = %v", marks)
	}

	ts.ackMark(marks[0])
	if len(ts.s.pendingMarks) != 0 {
		t.Fatalf("pending marks = %d after ack", len(ts.s.pendingMarks))
	}
	state := ts.s.State()

	ts.ackMark(marks[0])
	if len(ts.s.pendingMarks) != 0 {
		t.Errorf("duplicate ack changed pending marks")
	}
	if ts.s.State() != state {
		t.Errorf("duplicate ack changed state to %v", ts.s.State())
	}

	ts.ackMark("never-issued")
	if len(ts.s.pendingMarks) != 0 {
		t.Errorf("unknown ack changed pending marks")
	}
}

func TestBargeInClearsPlayback(t *testing.T) {
	ts := newTestSession(t, replyWith("Let me look into that for you. •", " One moment please."))
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	// Greeting finished playing before the caller spoke.
	ts.ackMark(ts.ch.markNames()[0])

	ts.transcript(t, "my sink is leaking")
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 3 })

	if len(ts.s.pendingMarks) != 2 {
		t.Fatalf("pending marks = %d, want 2", len(ts.s.pendingMarks))
	}
	mediaBefore := ts.mediaCount()

	// Caller starts talking over the assistant.
	ts.s.handle(context.Background(), event{kind: evInterim, text: "actually wait a moment"})

	names := ts.ch.eventNames()
	if names[len(names)-1] != string(telephony.EventClear) {
		t.Fatalf("last outbound event = %q, want clear", names[len(names)-1])
	}
	if len(ts.s.pendingMarks) != 0 {
		t.Errorf("pending marks = %d after barge-in", len(ts.s.pendingMarks))
	}
	if ts.s.State() != StateListening {
		t.Errorf("state = %v, want listening", ts.s.State())
	}

	// Late clips for the interrupted turn must never play.
	ts.s.handle(context.Background(), event{kind: evClip, clip: &AudioClip{Turn: 1, Index: 2, Audio: []byte("late")}})
	if ts.mediaCount() != mediaBefore {
		t.Errorf("stale clip was delivered after clear")
	}
}

func TestShortInterimDoesNotInterrupt(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	ts.s.handle(context.Background(), event{kind: evInterim, text: "um"})

	for _, name := range ts.ch.eventNames() {
		if name == string(telephony.EventClear) {
			t.Fatal("short interim should not clear playback")
		}
	}
	if len(ts.s.pendingMarks) != 1 {
		t.Errorf("pending marks = %d", len(ts.s.pendingMarks))
	}
}

func TestSpeechStartedTriggersBargeIn(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	ts.s.handle(context.Background(), event{kind: evSpeechStarted})

	names := ts.ch.eventNames()
	if names[len(names)-1] != string(telephony.EventClear) {
		t.Errorf("last outbound event = %q, want clear", names[len(names)-1])
	}
}

func TestStaleClipFromEarlierTurnDropped(t *testing.T) {
	ts := newTestSession(t, replyWith("Okay."))
	ts.start(t)
	ts.transcript(t, "first")
	ts.transcript(t, "second")

	before := ts.mediaCount()
	ts.s.handle(context.Background(), event{kind: evClip, clip: &AudioClip{Turn: 1, Index: 0, Audio: []byte("old")}})
	if ts.mediaCount() != before {
		t.Error("clip from a superseded turn was delivered")
	}
}

func TestCompletionFailureSpeaksApology(t *testing.T) {
	llm := inference.NewMock()
	llm.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return nil, errors.New("model unavailable")
	}

	ts := newTestSession(t, llm)
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	ts.transcript(t, "my sink is leaking")
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 2 })

	texts := ts.ch.mediaTexts(t)
	if texts[1] != DefaultApology {
		t.Errorf("apology = %q", texts[1])
	}
	if ts.s.State() == StateTerminated {
		t.Error("backend failure must not terminate the session")
	}
}

// slowStream stalls long enough for the turn timer to fire first.
type slowStream struct {
	delay time.Duration
	done  bool
}

func (s *slowStream) Recv() (*inference.StreamChunk, error) {
	if s.done {
		return &inference.StreamChunk{Done: true}, nil
	}
	time.Sleep(s.delay)
	s.done = true
	return &inference.StreamChunk{Delta: "Too late to matter."}, nil
}

func (s *slowStream) Close() error { return nil }

func TestTurnTimeoutSpeaksApologyAndStalesTurn(t *testing.T) {
	llm := inference.NewMock()
	llm.StreamFunc = func(ctx context.Context, req *inference.ChatRequest) (inference.Stream, error) {
		return &slowStream{delay: 300 * time.Millisecond}, nil
	}

	ts := newTestSession(t, llm, WithTurnTimeout(20*time.Millisecond))
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })

	ts.transcript(t, "hello")
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 2 })

	texts := ts.ch.mediaTexts(t)
	if texts[1] != DefaultApology {
		t.Fatalf("expected apology, got %q", texts[1])
	}
	if ts.s.staleThrough != 1 {
		t.Errorf("staleThrough = %d, want 1", ts.s.staleThrough)
	}

	// Once the slow reply finally lands, its segments are stale.
	media := ts.mediaCount()
	time.Sleep(400 * time.Millisecond)
	for {
		select {
		case ev := <-ts.s.events:
			ts.s.handle(context.Background(), ev)
			continue
		default:
		}
		break
	}
	if ts.mediaCount() != media {
		t.Error("late segments from a timed-out turn were spoken")
	}
}

func TestTransportFailureTerminates(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.ch.err = errors.New("broken pipe")

	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.s.State() == StateTerminated })

	if !ts.sttm.Closed() {
		t.Error("transcription connection not released on terminate")
	}
	if ts.s.termErr == nil {
		t.Error("transport failure should surface an error")
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.s.HandleRaw([]byte("{not json"))

	select {
	case ev := <-ts.s.events:
		t.Fatalf("malformed payload produced event %v", ev.kind)
	default:
	}
}

func TestMediaForwardedToTranscription(t *testing.T) {
	ts := newTestSession(t, replyWith())
	ts.start(t)

	frame := []byte{0xFF, 0x7E, 0x00, 0x80}
	ts.s.handle(context.Background(), event{kind: evEnvelope, env: telephony.NewMediaMessage("SD1", frame)})

	frames := ts.sttm.Frames()
	if len(frames) != 1 {
		t.Fatalf("frames forwarded = %d", len(frames))
	}
	if string(frames[0]) != string(frame) {
		t.Errorf("frame = %v, want %v", frames[0], frame)
	}
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestSession(t, replyWith())

	done := make(chan error, 1)
	go func() { done <- ts.s.Run(context.Background()) }()

	ts.s.HandleRaw([]byte(`{"event":"start","start":{"streamSid":"SD1","callSid":"CA1"}}`))
	ts.s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit after Shutdown")
	}

	if !ts.sttm.Closed() {
		t.Error("transcription connection not released")
	}
}

// backendLatencySamples reads the sample count of one backend's
// latency histogram from the shared metrics instance.
func backendLatencySamples(t *testing.T, backend string) uint64 {
	t.Helper()
	obs, err := metrics.Default.BackendLatency.GetMetricWithLabelValues(backend)
	if err != nil {
		t.Fatalf("histogram lookup: %v", err)
	}
	var m dto.Metric
	if err := obs.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("histogram read: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestBackendLatencyObserved(t *testing.T) {
	ttsBefore := backendLatencySamples(t, "tts")
	llmBefore := backendLatencySamples(t, "inference")

	ts := newTestSession(t, replyWith("All set. • Anything else?"))
	ts.start(t)
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 1 })
	ts.transcript(t, "book a plumber")
	ts.drainUntil(t, func() bool { return ts.mediaCount() >= 3 })

	if got := backendLatencySamples(t, "tts"); got <= ttsBefore {
		t.Errorf("tts latency samples = %d, want more than %d", got, ttsBefore)
	}
	if got := backendLatencySamples(t, "inference"); got <= llmBefore {
		t.Errorf("inference latency samples = %d, want more than %d", got, llmBefore)
	}
}

// syncWriter is a goroutine-safe buffer for capturing log output.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestLoggerScopedToStreamAfterStart(t *testing.T) {
	var w syncWriter
	logger := slog.New(slog.NewTextHandler(&w, nil))

	ts := newTestSession(t, replyWith(), WithLogger(logger))
	ts.start(t)
	ts.s.handle(context.Background(), event{kind: evEnvelope, env: &telephony.Envelope{
		Event: telephony.EventStop,
		Stop:  &telephony.StopData{},
	}})

	var ended bool
	for _, line := range strings.Split(w.String(), "\n") {
		if !strings.Contains(line, "media stream ended") {
			continue
		}
		ended = true
		if !strings.Contains(line, "stream_sid=SD1") || !strings.Contains(line, "call_sid=CA1") {
			t.Errorf("log line missing call identifiers: %s", line)
		}
	}
	if !ended {
		t.Fatal("stream end not logged")
	}
}
