package session

import "testing"

func clipIndexes(clips []*AudioClip) []int {
	out := make([]int, len(clips))
	for i, c := range clips {
		out[i] = c.Index
	}
	return out
}

func TestPlayoutOrdering(t *testing.T) {
	t.Run("in-order clips release immediately", func(t *testing.T) {
		p := newPlayout()
		p.reset(1)

		for i := 0; i < 3; i++ {
			ready := p.add(&AudioClip{Turn: 1, Index: i})
			if len(ready) != 1 || ready[0].Index != i {
				t.Fatalf("add(%d) released %v", i, clipIndexes(ready))
			}
		}
	})

	t.Run("out-of-order clips are held until the gap fills", func(t *testing.T) {
		p := newPlayout()
		p.reset(1)

		if ready := p.add(&AudioClip{Turn: 1, Index: 2}); ready != nil {
			t.Fatalf("index 2 released early: %v", clipIndexes(ready))
		}
		if ready := p.add(&AudioClip{Turn: 1, Index: 1}); ready != nil {
			t.Fatalf("index 1 released early: %v", clipIndexes(ready))
		}

		ready := p.add(&AudioClip{Turn: 1, Index: 0})
		got := clipIndexes(ready)
		if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
			t.Fatalf("released %v, want [0 1 2]", got)
		}
	})

	t.Run("unordered clips skip the buffer", func(t *testing.T) {
		p := newPlayout()
		p.reset(0)

		// A held ordered clip must not delay an unordered one.
		p.add(&AudioClip{Turn: 0, Index: 1})
		ready := p.add(&AudioClip{Turn: 0, Index: UnorderedIndex})
		if len(ready) != 1 || ready[0].Index != UnorderedIndex {
			t.Fatalf("unordered clip released %v", clipIndexes(ready))
		}
	})

	t.Run("clips from another turn are ignored", func(t *testing.T) {
		p := newPlayout()
		p.reset(2)

		if ready := p.add(&AudioClip{Turn: 1, Index: 0}); ready != nil {
			t.Fatalf("stale turn released %v", clipIndexes(ready))
		}
	})

	t.Run("reset drops held clips", func(t *testing.T) {
		p := newPlayout()
		p.reset(1)
		p.add(&AudioClip{Turn: 1, Index: 1})

		p.reset(2)
		ready := p.add(&AudioClip{Turn: 2, Index: 0})
		if len(ready) != 1 || ready[0].Index != 0 {
			t.Fatalf("after reset released %v", clipIndexes(ready))
		}
	})
}
