package lighthouse

import (
	"context"
	"sync"

	"github.com/guillaumesp/webvitals/internal/browser"
)

// endpointLocks serialises engine runs per browser. Chrome allows a single
// trace at a time, and every Lighthouse run records one.
type endpointLocks struct {
	mu    sync.Mutex
	locks map[browser.Endpoint]*endpointLock
}

type endpointLock struct {
	ch   chan struct{}
	refs int
}

// acquire blocks until ep is free or ctx is done. The returned func releases
// the lock.
func (l *endpointLocks) acquire(ctx context.Context, ep browser.Endpoint) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[browser.Endpoint]*endpointLock)
	}
	lk, ok := l.locks[ep]
	if !ok {
		lk = &endpointLock{ch: make(chan struct{}, 1)}
		l.locks[ep] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.unref(ep, lk)
		}, nil
	case <-ctx.Done():
		l.unref(ep, lk)
		return nil, ctx.Err()
	}
}

func (l *endpointLocks) unref(ep browser.Endpoint, lk *endpointLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, ep)
	}
}
