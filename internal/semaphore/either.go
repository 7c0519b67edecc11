package semaphore

import (
	"errors"
	"sync"
)

// Lockable is anything acquirable: Acquire blocks until held and returns
// the release handle. Queue implements it, as does MutexLock.
type Lockable interface {
	Acquire() (release func(), err error)
}

// AcquireEither acquires exactly one of locks: every lock is attempted in
// its own goroutine, the first to acquire wins, and the rest hand their
// lock straight back the moment they get it. Returns the winning index and
// the winner's release handle.
func AcquireEither(locks []Lockable) (int, func(), error) {
	if len(locks) == 0 {
		return 0, nil, errors.New("no locks provided")
	}

	type result struct {
		index int
		err   error
	}
	results := make(chan result, len(locks))
	releases := make([]chan struct{}, len(locks))
	for i := range locks {
		releases[i] = make(chan struct{})
		go func(i int) {
			release, err := locks[i].Acquire()
			if err != nil {
				results <- result{index: i, err: err}
				return
			}
			results <- result{index: i}
			<-releases[i]
			release()
		}(i)
	}

	first := <-results
	if first.err != nil {
		for _, ch := range releases {
			close(ch)
		}
		return 0, nil, first.err
	}

	// Late acquirers release immediately.
	for i, ch := range releases {
		if i != first.index {
			close(ch)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(releases[first.index])
		})
	}
	return first.index, release, nil
}

// MutexLock is an in-process Lockable, useful when a task gates on a local
// resource rather than a queue file.
type MutexLock struct {
	ch chan struct{}
}

// NewMutexLock returns an unheld lock.
func NewMutexLock() *MutexLock {
	return &MutexLock{ch: make(chan struct{}, 1)}
}

func (m *MutexLock) Acquire() (func(), error) {
	m.ch <- struct{}{}
	return func() { <-m.ch }, nil
}
