package stt

import (
	"encoding/json"
	"log/slog"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
)

// transcriptAggregator turns the backend's interleaved result messages
// into the package's callback contract: speech-start fires on the VAD
// event, interim text streams as it arrives, and the final transcript is
// emitted exactly once per utterance.
//
// Finalized fragments accumulate until the backend marks the utterance
// complete (speech_final) or reports UtteranceEnd after a pause.
type transcriptAggregator struct {
	cb     Callbacks
	logger *slog.Logger

	accumulated string
}

func (a *transcriptAggregator) process(msg []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &header); err != nil {
		a.logger.Warn("unparseable transcription message", "error", err)
		return
	}

	switch api.TypeResponse(header.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			a.logger.Warn("unparseable transcript result", "error", err)
			return
		}
		a.onResult(&resp)

	case api.TypeUtteranceEndResponse:
		// The speaker paused long enough; flush whatever finalized text we
		// have if speech_final never arrived. Gated on pending text, not
		// the VAD flag: quiet speech can finalize without a speech-start.
		if a.accumulated != "" {
			a.flush()
		}

	case api.TypeSpeechStartedResponse:
		if a.cb.OnSpeechStarted != nil {
			a.cb.OnSpeechStarted()
		}
	}
}

func (a *transcriptAggregator) onResult(resp *api.MessageResponse) {
	var text string
	if len(resp.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}

	if resp.IsFinal {
		if text != "" {
			a.accumulated += " " + text
		}
		if resp.SpeechFinal {
			a.flush()
		}
		return
	}

	if text != "" && a.cb.OnInterim != nil {
		a.cb.OnInterim(text)
	}
}

func (a *transcriptAggregator) flush() {
	transcript := strings.TrimSpace(a.accumulated)
	a.accumulated = ""
	if transcript != "" && a.cb.OnTranscript != nil {
		a.cb.OnTranscript(transcript)
	}
}
