package limiter

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is the in-process limiter used with the memory store. It has the
// same window semantics as PG.
type Memory struct {
	mu       sync.Mutex
	m        map[string]*counter
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{m: make(map[string]*counter), window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

func key(subject string, peerHash []byte) string { return subject + "\x00" + string(peerHash) }

// Allow reports whether a check is allowed and a retry-after duration.
func (l *Memory) Allow(_ context.Context, subject string, peerHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.m[key(subject, peerHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); c.blockedUntil.After(now) {
		return false, c.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (subject, peer).
func (l *Memory) Success(_ context.Context, subject string, peerHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, key(subject, peerHash))
	return nil
}

// Failure records a denial; may set a block until a future time.
func (l *Memory) Failure(_ context.Context, subject string, peerHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := key(subject, peerHash)
	c, ok := l.m[k]
	if !ok || now.Sub(c.updatedAt) > l.window {
		c = &counter{}
		l.m[k] = c
	}
	c.fails++
	c.updatedAt = now
	if c.fails < l.maxFails {
		return false, 0, nil
	}
	c.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
