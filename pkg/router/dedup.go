package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"swarm/pkg/protocol"
)

// DedupStore tracks recently seen messages inside the dedup window.
// Non-mergeable messages are only marked seen; mergeable messages are held
// in the store, folded together as duplicates arrive, and released for
// delivery once their window expires.
type DedupStore interface {
	// MarkSeen records the key for the window and reports whether this was
	// the first sighting inside it.
	MarkSeen(ctx context.Context, key string, window time.Duration) (first bool, err error)

	// Hold merges msg into the entry held under key (creating it if
	// absent) and re-arms the window. Returns the entry's merge count.
	Hold(ctx context.Context, key string, msg protocol.Message, window time.Duration) (merges int, err error)

	// PopExpired removes and returns all held messages whose window has
	// expired as of now.
	PopExpired(ctx context.Context, now time.Time) ([]protocol.Message, error)
}

// memoryDedup is the single-node DedupStore.
type memoryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time        // key -> window expiry
	held    map[string]*heldEntry       // key -> pending merged message
	nowFunc func() time.Time
}

type heldEntry struct {
	msg       protocol.Message
	expiresAt time.Time
}

// NewMemoryDedup creates an in-memory dedup store.
func NewMemoryDedup() DedupStore {
	return &memoryDedup{
		seen:    make(map[string]time.Time),
		held:    make(map[string]*heldEntry),
		nowFunc: time.Now,
	}
}

func (d *memoryDedup) MarkSeen(_ context.Context, key string, window time.Duration) (bool, error) {
	now := d.nowFunc()
	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.seen[key]; ok && now.Before(until) {
		return false, nil
	}
	d.seen[key] = now.Add(window)
	return true, nil
}

func (d *memoryDedup) Hold(_ context.Context, key string, msg protocol.Message, window time.Duration) (int, error) {
	now := d.nowFunc()
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.held[key]
	if !ok {
		if msg.MergeCount == 0 {
			msg.MergeCount = 1
		}
		d.held[key] = &heldEntry{msg: msg, expiresAt: now.Add(window)}
		return msg.MergeCount, nil
	}
	e.msg.Merge(msg)
	e.expiresAt = now.Add(window) // re-arm
	return e.msg.MergeCount, nil
}

func (d *memoryDedup) PopExpired(_ context.Context, now time.Time) ([]protocol.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []protocol.Message
	for key, e := range d.held {
		if !now.Before(e.expiresAt) {
			out = append(out, e.msg)
			delete(d.held, key)
		}
	}
	for key, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, key)
		}
	}
	// Stable order keeps flushes deterministic for consumers and tests.
	sort.Slice(out, func(i, j int) bool { return out[i].DedupKey() < out[j].DedupKey() })
	return out, nil
}
