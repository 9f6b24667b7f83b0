package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// subscriber holds a channel and filter for a single subscriber.
type subscriber struct {
	ch     chan ProgressUpdate
	filter UpdateFilter
}

// MemoryHub is an in-memory ProgressHub implementation using channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

// Publish sends an update to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the update is dropped.
func (h *MemoryHub) Publish(ctx context.Context, update ProgressUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, update) {
			continue
		}
		select {
		case sub.ch <- update:
		default:
			// backpressure: drop update for slow subscriber
		}
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given UpdateFilter.
// Returns a receive-only channel, a cancel function, and any error.
func (h *MemoryHub) Subscribe(ctx context.Context, filter UpdateFilter) (<-chan ProgressUpdate, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan ProgressUpdate, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the update passes the filter criteria.
func matchFilter(f UpdateFilter, u ProgressUpdate) bool {
	if f.WorkflowID != "" && f.WorkflowID != u.WorkflowID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == u.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
