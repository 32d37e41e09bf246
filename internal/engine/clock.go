package engine

import "time"

// Timer is the subset of time.Timer the engine needs. Abstracting it lets
// tests drive idle timeouts and settle delays without wall time.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Clock produces timers and the current time. The engine has exactly one
// clock; every suspension point goes through it.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time        { return r.t.C }
func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

// NewRealClock returns the wall clock.
func NewRealClock() Clock { return realClock{} }
