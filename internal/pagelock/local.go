// Package pagelock serializes version mutations per page. Settlement walks a
// page's version chain, so two imports touching the same page must never run
// it concurrently.
package pagelock

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

var (
	_ monitor.PageLocker = (*Local)(nil)
	_ monitor.PageLocker = (*Redis)(nil)
)

// Local is an in-process keyed mutex. It only serializes workers that share
// the same process.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until pageID is free or ctx is done. The returned unlock is
// safe to call more than once.
func (l *Local) Lock(ctx context.Context, pageID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[pageID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[pageID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(pageID, e)
		return nil, fmt.Errorf("lock page %s: %w", pageID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(pageID, e)
		})
	}, nil
}

func (l *Local) release(pageID string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, pageID)
	}
}

// held reports how many pages have waiters or holders.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
