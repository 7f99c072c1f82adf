package provd

import (
	"context"
	"sync"
)

// RWLock serializes every mutating operation against the device, config
// and plugin state. Writers are exclusive and served FIFO; readers proceed
// in parallel but are starved by any queued writer (writer preference).
// Acquisition is context-aware so suspended operations can be abandoned.
type RWLock struct {
	mu      sync.Mutex
	readers int
	writing bool

	writerQueue []chan struct{}
	readerQueue []chan struct{}
}

// Lock acquires the write lock, waiting behind earlier writers.
func (l *RWLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.writing && l.readers == 0 && len(l.writerQueue) == 0 {
		l.writing = true
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.writerQueue = append(l.writerQueue, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, c := range l.writerQueue {
			if c == ch {
				l.writerQueue = append(l.writerQueue[:i], l.writerQueue[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Granted concurrently with cancellation: take it and release
		<-ch
		l.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the write lock.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	l.writing = false
	l.grant()
	l.mu.Unlock()
}

// RLock acquires the read lock. A queued writer blocks new readers.
func (l *RWLock) RLock(ctx context.Context) error {
	l.mu.Lock()
	if !l.writing && len(l.writerQueue) == 0 {
		l.readers++
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.readerQueue = append(l.readerQueue, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, c := range l.readerQueue {
			if c == ch {
				l.readerQueue = append(l.readerQueue[:i], l.readerQueue[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		<-ch
		l.RUnlock()
		return ctx.Err()
	}
}

// RUnlock releases the read lock.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.grant()
	}
	l.mu.Unlock()
}

// grant hands the lock to the next waiter; caller holds l.mu. The first
// queued writer wins; with no writer queued, every queued reader runs.
func (l *RWLock) grant() {
	if l.writing || l.readers > 0 {
		return
	}
	if len(l.writerQueue) > 0 {
		ch := l.writerQueue[0]
		l.writerQueue = l.writerQueue[1:]
		l.writing = true
		close(ch)
		return
	}
	for _, ch := range l.readerQueue {
		l.readers++
		close(ch)
	}
	l.readerQueue = nil
}
