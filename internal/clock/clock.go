// Package clock provides the wall clock localized to the configured zone.
// The scheduler takes a Clock so tests can drive time explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current instant in the configured timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Real reads time.Now localized to a fixed zone.
type Real struct {
	loc *time.Location
}

// NewReal builds a Real clock for the given IANA zone name.
func NewReal(timezone string) (*Real, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Real{loc: loc}, nil
}

func (r *Real) Now() time.Time           { return time.Now().In(r.loc) }
func (r *Real) Location() *time.Location { return r.loc }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake builds a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

// Set jumps the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
