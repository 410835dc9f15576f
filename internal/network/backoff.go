package network

import (
	"errors"
	"sync"
	"time"
)

const (
	dialBackoffBase = 1 * time.Second
	dialBackoffMax  = 60 * time.Second
)

var ErrBackoff = errors.New("address in dial backoff")

type addrFailure struct {
	count int
	last  time.Time
}

// dialBackoff remembers consecutive dial failures per address so repeated
// attempts against a dead peer are spaced out exponentially.
type dialBackoff struct {
	mu       sync.Mutex
	failures map[string]*addrFailure
	now      func() time.Time
}

func newDialBackoff() *dialBackoff {
	return &dialBackoff{
		failures: make(map[string]*addrFailure),
		now:      time.Now,
	}
}

func (b *dialBackoff) recordFailure(addr string) int {
	if addr == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ent := b.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		b.failures[addr] = ent
	}
	ent.count++
	ent.last = b.now()
	return ent.count
}

func (b *dialBackoff) reset(addr string) {
	b.mu.Lock()
	delete(b.failures, addr)
	b.mu.Unlock()
}

// retryAfter is how long the caller must still wait before dialing addr.
func (b *dialBackoff) retryAfter(addr string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent := b.failures[addr]
	if ent == nil {
		return 0
	}
	remaining := backoffDelay(ent.count) - b.now().Sub(ent.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := dialBackoffBase
	for i := 1; i < failures && d < dialBackoffMax; i++ {
		d *= 2
	}
	if d > dialBackoffMax {
		d = dialBackoffMax
	}
	return d
}
