package session

import (
	"github.com/fixly-app/voicebridge/pkg/convo"
	"github.com/fixly-app/voicebridge/pkg/telephony"
)

// eventKind tags the stimuli consumed by the session event loop.
type eventKind int

const (
	// evEnvelope is an inbound telephony envelope.
	evEnvelope eventKind = iota

	// evSpeechStarted is the transcription backend detecting speech onset.
	evSpeechStarted

	// evInterim is a partial transcript for an utterance in progress.
	evInterim

	// evTranscript is the final transcript of a completed utterance.
	evTranscript

	// evSegment is one speakable span of the assistant's reply.
	evSegment

	// evTurnDone signals the reply stream for a turn has finished.
	evTurnDone

	// evClip is a synthesized audio clip, possibly out of order.
	evClip

	// evClipFailed is a synthesis failure for one segment.
	evClipFailed

	// evApologyClip is a synthesized fallback apology.
	evApologyClip

	// evTurnTimeout fires when a turn produced no audio in time.
	evTurnTimeout

	// evClosed signals the transport has gone away.
	evClosed
)

// event is the single tagged type flowing into the session loop.
// Only the fields relevant to the kind are set.
type event struct {
	kind eventKind
	env  *telephony.Envelope
	text string
	seg  convo.Segment
	clip *AudioClip
	turn int
	err  error
}
