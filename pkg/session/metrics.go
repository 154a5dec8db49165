package session

import (
	"sync"
	"time"
)

// TurnMetrics tracks latency at each stage of one conversation turn.
// All durations are measured from the final transcript arriving.
type TurnMetrics struct {
	// Timestamps for key events
	TranscriptTime   time.Time // When the final transcript arrived
	FirstSegmentTime time.Time // When the model produced its first segment
	FirstClipTime    time.Time // When the first clip reached the phone leg
	TurnDoneTime     time.Time // When the last mark was acknowledged

	// Computed latencies (from transcript)
	EngineLatency time.Duration // Time to first reply segment
	ClipLatency   time.Duration // Time to first audible clip
	TotalLatency  time.Duration // Transcript to playback complete

	// Counts for this turn
	Segments int // Reply segments produced
	Clips    int // Clips delivered to the phone leg
}

// turnCollector collects per-turn latency metrics.
// Goroutine-safe; the session loop and tests may both read it.
type turnCollector struct {
	mu      sync.Mutex
	current TurnMetrics
	history []TurnMetrics
}

func newTurnCollector() *turnCollector {
	return &turnCollector{
		history: make([]TurnMetrics, 0, 100),
	}
}

// MarkTranscript starts a new turn measurement.
func (c *turnCollector) MarkTranscript() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = TurnMetrics{TranscriptTime: time.Now()}
}

// MarkSegment records a reply segment, capturing first-segment latency.
func (c *turnCollector) MarkSegment() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Segments++
	if c.current.FirstSegmentTime.IsZero() {
		c.current.FirstSegmentTime = time.Now()
		if !c.current.TranscriptTime.IsZero() {
			c.current.EngineLatency = c.current.FirstSegmentTime.Sub(c.current.TranscriptTime)
		}
	}
}

// MarkClip records a delivered clip, capturing first-clip latency.
func (c *turnCollector) MarkClip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current.Clips++
	if c.current.FirstClipTime.IsZero() {
		c.current.FirstClipTime = time.Now()
		if !c.current.TranscriptTime.IsZero() {
			c.current.ClipLatency = c.current.FirstClipTime.Sub(c.current.TranscriptTime)
		}
	}
}

// MarkTurnDone archives the turn once playback has fully drained.
func (c *turnCollector) MarkTurnDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.TranscriptTime.IsZero() {
		return
	}
	c.current.TurnDoneTime = time.Now()
	c.current.TotalLatency = c.current.TurnDoneTime.Sub(c.current.TranscriptTime)
	c.history = append(c.history, c.current)
	if len(c.history) > 100 {
		c.history = c.history[1:]
	}
}

// Current returns the current turn's metrics snapshot.
func (c *turnCollector) Current() TurnMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Average returns average latencies over recent turns.
func (c *turnCollector) Average() TurnMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return TurnMetrics{}
	}

	var avg TurnMetrics
	for _, h := range c.history {
		avg.EngineLatency += h.EngineLatency
		avg.ClipLatency += h.ClipLatency
		avg.TotalLatency += h.TotalLatency
	}

	n := time.Duration(len(c.history))
	avg.EngineLatency /= n
	avg.ClipLatency /= n
	avg.TotalLatency /= n

	return avg
}
