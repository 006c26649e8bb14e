package session

import (
	"context"
	"sync"
	"time"
)

// Ticker runs fn once per interval until stopped or until its parent
// context is cancelled. There is no catch-up after a stall.
type Ticker struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTicker starts a repeating task. fn never runs concurrently with itself.
func NewTicker(parent context.Context, interval time.Duration, fn func()) *Ticker {
	ctx, cancel := context.WithCancel(parent)
	t := &Ticker{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)

		tk := time.NewTicker(interval)
		defer tk.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				// Stop wins over a tick that raced with it.
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return t
}

// Stop cancels the task. It does not wait, so it is safe to call from fn.
func (t *Ticker) Stop() {
	t.once.Do(t.cancel)
}

// Done is closed once the ticker goroutine has exited.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}
