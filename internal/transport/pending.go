package transport

import (
	"time"

	"github.com/google/uuid"
)

// pendingStore tracks outstanding sent-envelope timestamps so the matching
// receive can be turned into a latency observation. It is owned by the
// transport's run loop; all operations happen on that single goroutine.
type pendingStore struct {
	maxAge  time.Duration
	entries map[uuid.UUID]time.Time
}

func newPendingStore(maxAge time.Duration) *pendingStore {
	return &pendingStore{
		maxAge:  maxAge,
		entries: make(map[uuid.UUID]time.Time),
	}
}

// store prunes entries older than t-maxAge, then records the send time
// for id.
func (p *pendingStore) store(id uuid.UUID, t time.Time) {
	p.pruneExpired(t)
	p.entries[id] = t
}

// remove returns the recorded send time for id, if any.
func (p *pendingStore) remove(id uuid.UUID) (time.Time, bool) {
	t, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return t, ok
}

// pruneExpired drops entries older than now-maxAge. Called after every
// decode attempt, success or failure, to bound memory.
func (p *pendingStore) pruneExpired(now time.Time) {
	cutoff := now.Add(-p.maxAge)
	for id, t := range p.entries {
		if t.Before(cutoff) {
			delete(p.entries, id)
		}
	}
}

func (p *pendingStore) clear() {
	p.entries = make(map[uuid.UUID]time.Time)
}

func (p *pendingStore) len() int { return len(p.entries) }
