package service

import (
	"sync"
)

// syncWaiter wakes in-process goroutines waiting on a key. Waiters still
// poll, since the event they wait for may happen on another instance; a
// delivery only shortens the wait.
type syncWaiter struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func newSyncWaiter() *syncWaiter {
	return &syncWaiter{waiters: make(map[string]map[chan struct{}]struct{})}
}

// register returns a channel closed by the next deliver for key.
func (w *syncWaiter) register(key string) chan struct{} {
	ch := make(chan struct{})
	w.mu.Lock()
	set, ok := w.waiters[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.waiters[key] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

// unregister drops ch if it was not delivered.
func (w *syncWaiter) unregister(key string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := w.waiters[key]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(w.waiters, key)
	}
}

// deliver wakes every waiter for key and returns how many there were.
func (w *syncWaiter) deliver(key string) int {
	w.mu.Lock()
	set := w.waiters[key]
	delete(w.waiters, key)
	w.mu.Unlock()

	for ch := range set {
		close(ch)
	}
	return len(set)
}
