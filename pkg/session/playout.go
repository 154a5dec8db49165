package session

// UnorderedIndex marks a clip that plays immediately, skipping the
// reorder buffer. Used for the greeting and fallback speech.
const UnorderedIndex = -1

// AudioClip is one synthesized segment ready for the phone leg.
// Audio is 8kHz mulaw, not yet base64-encoded.
type AudioClip struct {
	Turn  int
	Index int
	Audio []byte
}

// playout reorders one turn's clips into segment order. Synthesis calls
// finish in whatever order the backend returns them; a clip is held
// until every lower index of the turn has been released.
type playout struct {
	turn int
	next int
	held map[int]*AudioClip
}

func newPlayout() *playout {
	return &playout{held: make(map[int]*AudioClip)}
}

// reset prepares the buffer for a new turn, dropping anything held.
func (p *playout) reset(turn int) {
	p.turn = turn
	p.next = 0
	p.held = make(map[int]*AudioClip)
}

// add accepts one clip for the current turn and returns the clips now
// releasable in ascending index order. Clips for other turns yield nil.
func (p *playout) add(clip *AudioClip) []*AudioClip {
	if clip.Turn != p.turn {
		return nil
	}
	if clip.Index == UnorderedIndex {
		return []*AudioClip{clip}
	}

	if clip.Index != p.next {
		p.held[clip.Index] = clip
		return nil
	}

	ready := []*AudioClip{clip}
	p.next++
	for {
		held, ok := p.held[p.next]
		if !ok {
			break
		}
		delete(p.held, p.next)
		ready = append(ready, held)
		p.next++
	}
	return ready
}
