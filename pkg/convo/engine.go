package convo

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/fixly-app/voicebridge/pkg/inference"
)

// DefaultSystemPrompt instructs the model how to behave on the phone.
// The pause-marker instruction is what makes incremental synthesis work.
const DefaultSystemPrompt = `You are a helpful assistant for Fixly, a home repair and maintenance service.
Keep your responses brief but friendly. Don't ask more than 1 question at a time.
If asked about services not listed below, politely explain we don't offer that service but can refer them to another provider.
Key Information:
- Hours: Monday to Saturday 8 AM to 6 PM
- Services: Plumbing, electrical work, appliance repair, painting, and general handyman jobs
- Booking: a technician visit can be scheduled during this call
You must add a '•' symbol every 5 to 10 words at natural pauses where your response can be split for text to speech.`

// DefaultGreeting is spoken as soon as the call connects.
const DefaultGreeting = "Welcome to Fixly. • How can I help you today?"

// Engine owns the dialogue history and produces reply segments.
// Safe for concurrent use; history mutations are serialized.
type Engine struct {
	provider inference.Provider
	logger   *slog.Logger
	greeting string

	mu      sync.Mutex
	history []inference.Message
	turn    int
	cancel  context.CancelFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSystemPrompt overrides the default system prompt.
func WithSystemPrompt(prompt string) EngineOption {
	return func(e *Engine) {
		e.history[0] = inference.NewSystemMessage(prompt)
	}
}

// WithGreeting overrides the default greeting.
func WithGreeting(greeting string) EngineOption {
	return func(e *Engine) {
		e.greeting = greeting
		e.history[1] = inference.NewAssistantMessage(greeting)
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an engine seeded with the system prompt and greeting.
func NewEngine(provider inference.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		provider: provider,
		logger:   slog.Default(),
		greeting: DefaultGreeting,
		history: []inference.Message{
			inference.NewSystemMessage(DefaultSystemPrompt),
			inference.NewAssistantMessage(DefaultGreeting),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "convo.engine")
	return e
}

// Greeting returns the fixed greeting text, pause markers stripped.
func (e *Engine) Greeting() string {
	return cleanSegment(e.greeting)
}

// SetCallSID records the call's unique ID in the dialogue context.
func (e *Engine) SetCallSID(callSID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, inference.NewSystemMessage("callSid: "+callSID))
}

// History returns a copy of the dialogue history.
func (e *Engine) History() []inference.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]inference.Message, len(e.history))
	copy(out, e.history)
	return out
}

// Reply is one turn's streamed answer. Read Segments until it closes,
// then check Err. A Reply is finite and not restartable.
type Reply struct {
	segments chan Segment

	mu  sync.Mutex
	err error
}

// Segments returns the channel of reply segments in speaking order.
func (r *Reply) Segments() <-chan Segment {
	return r.segments
}

// Err reports whether the turn failed. Valid once Segments has closed.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reply) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Complete produces the assistant's reply to a caller transcript.
// The transcript is appended to history before the completion is
// requested; the full assistant reply is appended after the stream
// finishes. On failure the whole turn fails and history keeps only the
// caller's side.
//
// A new turn supersedes any reply still streaming: the older stream is
// cancelled and its reply is never recorded in history, keeping history
// in strict request/response order.
func (e *Engine) Complete(ctx context.Context, turn int, transcript string) *Reply {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel = cancel
	e.turn = turn
	e.history = append(e.history, inference.NewUserMessage(transcript))
	messages := make([]inference.Message, len(e.history))
	copy(messages, e.history)
	e.mu.Unlock()

	reply := &Reply{segments: make(chan Segment, 4)}

	go e.run(ctx, turn, messages, reply)

	return reply
}

func (e *Engine) run(ctx context.Context, turn int, messages []inference.Message, reply *Reply) {
	defer close(reply.segments)

	stream, err := e.provider.Stream(ctx, &inference.ChatRequest{Messages: messages})
	if err != nil {
		reply.fail(&CompletionError{Turn: turn, Err: err})
		return
	}
	defer stream.Close()

	var complete strings.Builder
	var partial strings.Builder
	index := 0

	emit := func(text string) bool {
		text = cleanSegment(text)
		if text == "" {
			return true
		}
		select {
		case reply.segments <- Segment{Turn: turn, Index: index, Text: text}:
			index++
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			reply.fail(&CompletionError{Turn: turn, Err: err})
			return
		}

		complete.WriteString(chunk.Delta)
		partial.WriteString(chunk.Delta)

		// Cut a segment at every pause marker seen so far.
		for {
			text := partial.String()
			cut := strings.IndexRune(text, PauseMarker)
			if cut < 0 {
				break
			}
			if !emit(text[:cut]) {
				reply.fail(&CompletionError{Turn: turn, Err: ctx.Err()})
				return
			}
			partial.Reset()
			partial.WriteString(text[cut+len(string(PauseMarker)):])
		}

		if chunk.Done {
			break
		}
	}

	if !emit(partial.String()) {
		reply.fail(&CompletionError{Turn: turn, Err: ctx.Err()})
		return
	}

	e.mu.Lock()
	superseded := turn != e.turn
	if !superseded {
		e.history = append(e.history, inference.NewAssistantMessage(complete.String()))
	}
	historyLen := len(e.history)
	e.mu.Unlock()

	if superseded {
		e.logger.Debug("superseded reply discarded", "turn", turn)
		return
	}

	e.logger.Debug("turn completed",
		"turn", turn,
		"segments", index,
		"history_len", historyLen,
	)
}

// cleanSegment strips pause markers and collapses whitespace.
func cleanSegment(text string) string {
	text = strings.ReplaceAll(text, string(PauseMarker), "")
	return strings.Join(strings.Fields(text), " ")
}
