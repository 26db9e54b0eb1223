// Package timeutil provides the millisecond clock used for message and
// activity timestamps.
package timeutil

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports wall time in Unix milliseconds.
type Clock interface {
	NowMillis() int64
}

// SystemClock never goes backwards within a process, even if the wall clock
// is stepped.
type SystemClock struct {
	last atomic.Int64
}

func NewSystemClock() *SystemClock { return &SystemClock{} }

func (c *SystemClock) NowMillis() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := c.last.Load()
		if now <= prev {
			return prev
		}
		if c.last.CompareAndSwap(prev, now) {
			return now
		}
	}
}

// ManualClock is advanced explicitly; used by tests and the seed command.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(start int64) *ManualClock { return &ManualClock{now: start} }

func (c *ManualClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d.Milliseconds()
	c.mu.Unlock()
}

// FromMillis converts a Unix millisecond timestamp to UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
