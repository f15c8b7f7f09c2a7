// Package ratelimit implements per-user sliding-window admission control.
//
// The limiter is in-memory and best-effort: windows are lost on restart,
// which only means a briefly more permissive bot after a deploy.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Limiter admits at most `limit` events per user within the trailing window.
// State is sharded by user id so different users never contend on one lock.
type Limiter struct {
	limit  int
	window time.Duration
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// New creates a Limiter admitting at most limit events per window.
func New(limit int, window time.Duration) *Limiter {
	l := &Limiter{limit: limit, window: window}
	for i := range l.shards {
		l.shards[i].windows = make(map[string][]time.Time)
	}
	return l
}

// Admit reports whether an event for the given user may proceed at `now`.
// On admit the event is recorded; on reject the window is left unchanged.
func (l *Limiter) Admit(userID string, now time.Time) bool {
	sh := &l.shards[shardFor(userID)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-l.window)
	win := sh.windows[userID]

	// Drop entries that have aged out of the window.
	kept := win[:0]
	for _, ts := range win {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		sh.windows[userID] = kept
		return false
	}

	sh.windows[userID] = append(kept, now)
	return true
}

func shardFor(userID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return h.Sum32() % shardCount
}
