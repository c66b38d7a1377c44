package raft

import (
	"math/rand"
	"sync"
	"time"
)

// randomTimeout returns a duration in [base, 2*base). Randomization
// avoids split votes among replicas whose timers fire in lockstep.
func randomTimeout(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}

// oneshotTimer is a single-shot rearm-by-hand timer. Schedule arms it,
// Stop disarms it. A generation counter makes a callback that already
// left time.AfterFunc observe its own cancellation, so a stale fire
// never runs user code after Stop or a re-Schedule.
type oneshotTimer struct {
	mu         sync.Mutex
	generation uint64
	timer      *time.Timer
}

// Schedule arms the timer to run fn after d, cancelling any previously
// scheduled fire.
func (t *oneshotTimer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
	}
	gen := t.generation
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		stale := gen != t.generation
		t.mu.Unlock()
		if !stale {
			fn()
		}
	})
}

// Stop disarms the timer. It returns false if nothing was scheduled since
// the last Stop; a timer that has already fired still counts as armed.
func (t *oneshotTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	armed := t.timer != nil
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return armed
}
