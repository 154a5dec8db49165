// Package convo maintains the dialogue with the caller.
//
// The Engine owns the conversation history and turns each caller
// transcript into a stream of reply segments. Replies are requested as
// streaming completions and cut at pause markers so synthesis can start
// before the model has finished the sentence.
package convo

import (
	"fmt"
)

// PauseMarker is the delimiter the model is instructed to emit at
// natural speech pauses. Reply text is segmented at this rune.
const PauseMarker = '•'

// Segment is one speakable span of an assistant reply.
type Segment struct {
	// Turn is the conversation turn this segment belongs to.
	Turn int

	// Index is the segment's position within the turn, starting at 0.
	Index int

	// Text is the segment text with pause markers stripped.
	Text string
}

// CompletionError reports that a turn's completion failed.
// The whole turn fails; no partial reply is kept in history.
type CompletionError struct {
	Turn int
	Err  error
}

// Error implements the error interface.
func (e *CompletionError) Error() string {
	return fmt.Sprintf("convo: completion for turn %d failed: %v", e.Turn, e.Err)
}

// Unwrap returns the underlying error.
func (e *CompletionError) Unwrap() error {
	return e.Err
}
