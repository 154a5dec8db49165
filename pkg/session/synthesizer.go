package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fixly-app/voicebridge/internal/metrics"
	"github.com/fixly-app/voicebridge/pkg/audioio"
	"github.com/fixly-app/voicebridge/pkg/convo"
	"github.com/fixly-app/voicebridge/pkg/tts"
)

// synthesizer fans segments out to the TTS backend. Each segment is
// synthesized on its own goroutine so a slow clip does not stall the
// ones behind it; ordering is restored by the playout buffer.
type synthesizer struct {
	provider tts.Provider
	logger   *slog.Logger
	emit     func(event)
	m        *metrics.Metrics
	wg       sync.WaitGroup
}

func newSynthesizer(provider tts.Provider, logger *slog.Logger, emit func(event), m *metrics.Metrics) *synthesizer {
	return &synthesizer{
		provider: provider,
		logger:   logger.With("component", "session.synthesizer"),
		emit:     emit,
		m:        m,
	}
}

// synthesize starts synthesis of one segment. The resulting clip (or
// failure) comes back through the session event channel.
func (s *synthesizer) synthesize(ctx context.Context, seg convo.Segment) {
	s.start(ctx, seg, evClip)
}

// apologize synthesizes fallback speech that bypasses the reorder buffer.
func (s *synthesizer) apologize(ctx context.Context, turn int, text string) {
	s.start(ctx, convo.Segment{Turn: turn, Index: UnorderedIndex, Text: text}, evApologyClip)
}

func (s *synthesizer) start(ctx context.Context, seg convo.Segment, kind eventKind) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		result, err := s.provider.Synthesize(ctx, seg.Text)
		if err != nil {
			s.logger.Warn("synthesis failed",
				"turn", seg.Turn,
				"segment", seg.Index,
				"error", err,
			)
			s.emit(event{kind: evClipFailed, turn: seg.Turn, err: err})
			return
		}

		s.m.RecordBackendLatency("tts", float64(result.LatencyMs)/1000)
		s.emit(event{kind: kind, turn: seg.Turn, clip: &AudioClip{
			Turn:  seg.Turn,
			Index: seg.Index,
			Audio: toTelephony(result),
		}})
	}()
}

// drain waits for all in-flight synthesis calls to finish.
func (s *synthesizer) drain() {
	s.wg.Wait()
}

// toTelephony converts a synthesis result to 8kHz mulaw for the phone leg.
func toTelephony(result *tts.AudioResult) []byte {
	if result.Format.Encoding == tts.EncodingULaw {
		return result.Audio
	}
	return audioio.PCMToMulaw(result.Audio, result.Format.SampleRate)
}
