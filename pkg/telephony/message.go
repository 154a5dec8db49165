// Package telephony defines the media-stream message types exchanged with
// the telephony provider over one websocket connection per call.
//
// Inbound events: start, media, mark (playback acknowledgement), stop.
// Outbound events: media, mark, clear (flush queued playback).
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event identifies the type of media-stream message.
type Event string

const (
	// Provider → core events
	EventConnected Event = "connected" // First message after the socket opens
	EventStart     Event = "start"     // Stream metadata, carries call identifiers
	EventMedia     Event = "media"     // One audio frame
	EventMark      Event = "mark"      // Playback-completion acknowledgement
	EventStop      Event = "stop"      // Call ended

	// Core → provider events (media and mark are bidirectional)
	EventClear Event = "clear" // Discard all queued outbound audio
)

// ErrMalformedEnvelope is returned for messages that cannot be decoded.
// Callers drop the frame and keep the session alive.
var ErrMalformedEnvelope = errors.New("telephony: malformed envelope")

// Envelope is the wire wrapper for all media-stream messages.
type Envelope struct {
	Event          Event      `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *StartData `json:"start,omitempty"`
	Media          *MediaData `json:"media,omitempty"`
	Mark           *MarkData  `json:"mark,omitempty"`
	Stop           *StopData  `json:"stop,omitempty"`
}

// StartData carries the identifiers assigned when the call leg connects.
type StartData struct {
	StreamSID   string      `json:"streamSid"`
	CallSID     string      `json:"callSid"`
	AccountSID  string      `json:"accountSid,omitempty"`
	Tracks      []string    `json:"tracks,omitempty"`
	MediaFormat MediaFormat `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`   // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"` // 8000
	Channels   int    `json:"channels"`   // 1
}

// MediaData carries one base64-encoded audio frame.
type MediaData struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Decode returns the raw audio bytes of the frame.
func (m *MediaData) Decode() ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media payload: %v", ErrMalformedEnvelope, err)
	}
	return audio, nil
}

// MarkData names one playback-completion marker.
type MarkData struct {
	Name string `json:"name"`
}

// StopData carries the final call identifiers.
type StopData struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Parse decodes a media-stream message, validating that the payload
// required for its event type is present.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch env.Event {
	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start event missing start payload", ErrMalformedEnvelope)
		}
	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media event missing media payload", ErrMalformedEnvelope)
		}
	case EventMark:
		if env.Mark == nil || env.Mark.Name == "" {
			return nil, fmt.Errorf("%w: mark event missing mark name", ErrMalformedEnvelope)
		}
	case EventConnected, EventStop, EventClear:
	case "":
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEnvelope)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedEnvelope, env.Event)
	}

	return &env, nil
}

// Bytes returns the JSON-encoded message.
func (e *Envelope) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// NewMediaMessage builds an outbound audio frame. The audio bytes are
// base64-encoded into the payload; Decode reverses this exactly.
func NewMediaMessage(streamSID string, audio []byte) *Envelope {
	return &Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaData{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}

// NewMarkMessage builds an outbound playback marker. The provider echoes
// the name back once all audio queued before it has played.
func NewMarkMessage(streamSID, name string) *Envelope {
	return &Envelope{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkData{Name: name},
	}
}

// NewClearMessage builds the flush instruction that discards all audio
// queued on the provider side. Used for barge-in.
func NewClearMessage(streamSID string) *Envelope {
	return &Envelope{
		Event:     EventClear,
		StreamSID: streamSID,
	}
}
