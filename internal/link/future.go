package link

import (
	"context"
	"sync"

	"github.com/danmuck/watchbridge/internal/payload"
)

// Future is the single asynchronous result of an outbound request. It is
// completed exactly once, with a reply payload or an error. Callers can
// block with Wait, select on Done, poll with Result, or attach OnDone.
type Future struct {
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	result payload.Map
	err    error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Failed returns a future already completed with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.complete(nil, err)
	return f
}

// complete reports whether this call was the one that completed f.
func (f *Future) complete(m payload.Map, err error) bool {
	won := false
	f.once.Do(func() {
		f.mu.Lock()
		f.result, f.err = m, err
		f.mu.Unlock()
		close(f.done)
		won = true
	})
	return won
}

func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until f completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (payload.Map, error) {
	select {
	case <-f.done:
		return f.load()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result polls f. done is false while the request is still outstanding.
func (f *Future) Result() (m payload.Map, done bool, err error) {
	select {
	case <-f.done:
		m, err = f.load()
		return m, true, err
	default:
		return nil, false, nil
	}
}

// OnDone runs cb in its own goroutine once f completes.
func (f *Future) OnDone(cb func(payload.Map, error)) {
	go func() {
		<-f.done
		cb(f.load())
	}()
}

func (f *Future) load() (payload.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
