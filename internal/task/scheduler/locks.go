package scheduler

import (
	"context"
	"sync"
)

// idLocks serialises work per post id. Entries are dropped when unused.
type idLocks struct {
	mu sync.Mutex
	m  map[int64]*idLock
}

type idLock struct {
	ch   chan struct{}
	refs int
}

// lock blocks until the id is free or ctx is done.
func (l *idLocks) lock(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[int64]*idLock{}
	}
	e := l.m[id]
	if e == nil {
		e = &idLock{ch: make(chan struct{}, 1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(id, e)
		})
	}, nil
}

func (l *idLocks) release(id int64, e *idLock) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.m, id)
	}
	l.mu.Unlock()
}
