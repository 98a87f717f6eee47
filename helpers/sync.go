package helpers

import (
	"sync"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// AtomicError keeps the first stored error, later stores are ignored.
type AtomicError struct {
	mu  sync.Mutex
	err error
	set bool
}

func (a *AtomicError) Load() (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.set
}

// StoreOnce stores e only first time, returns same as Load() before modification.
func (a *AtomicError) StoreOnce(e error) (error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	berr, bset := a.err, a.set
	if !bset {
		a.err, a.set = e, true
	}
	return berr, bset
}
