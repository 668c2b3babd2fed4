package core

import (
	"fmt"
	"sync"
)

// IterationLimiter enforces a maximum number of loop iterations, such as
// model/tool round trips in one run or delegation rounds in a team.
type IterationLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewIterationLimiter creates a new limiter. If max == 0, iterations are unlimited.
func NewIterationLimiter(max int) *IterationLimiter {
	return &IterationLimiter{max: max}
}

// Increment increases the counter and returns an error if the limit is exceeded.
func (l *IterationLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("exceeded max iterations: %d", l.max)
	}

	return nil
}

// Count returns the current number of iterations.
func (l *IterationLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many iterations are left before hitting the limit.
func (l *IterationLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
