// Package clock abstracts wall time so schedulers and flushers can be driven
// by a fake clock in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Mock is a manually advanced clock.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Mock) Add(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}
