package transport

import (
	"sync"
	"time"

	"github.com/pulsekit/pulse2/internal/pool"
)

// readiness is a resettable open/closed latch. Waiters block on a channel
// that is closed when the transport becomes ready and replaced when it goes
// down again.
type readiness struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newReadiness() *readiness {
	return &readiness{ch: make(chan struct{})}
}

func (r *readiness) markOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		r.open = true
		close(r.ch)
	}
}

func (r *readiness) markClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open {
		r.open = false
		r.ch = make(chan struct{})
	}
}

func (r *readiness) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.open
}

// wait blocks until the latch opens or the timeout elapses. A non-positive
// timeout blocks indefinitely.
func (r *readiness) wait(timeout time.Duration) error {
	r.mu.Lock()
	open, ch := r.open, r.ch
	r.mu.Unlock()

	if open {
		return nil
	}

	if timeout <= 0 {
		<-ch
		return nil
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrNotReady
	}
}
