// Package ingest turns validated security events into graph mutations and
// rescore requests. Processing is idempotent: an event id is applied at most
// once within the dedup window.
package ingest

import (
	"container/list"
	"sync"
)

// DefaultDedupCapacity bounds the number of remembered event ids.
const DefaultDedupCapacity = 100_000

// dedupSet is a fixed-capacity LRU set of event ids. Membership checks
// refresh recency; the oldest id is evicted once capacity is reached.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recent
}

func newDedupSet(capacity int) *dedupSet {
	if capacity < 1 {
		capacity = DefaultDedupCapacity
	}
	return &dedupSet{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Seen reports whether the id was already added, refreshing its recency.
func (d *dedupSet) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.items[id]
	if ok {
		d.order.MoveToFront(el)
	}
	return ok
}

// Add records the id, evicting the least recently seen id when full.
func (d *dedupSet) Add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.items[id]; ok {
		d.order.MoveToFront(el)
		return
	}
	d.items[id] = d.order.PushFront(id)

	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.items, oldest.Value.(string))
	}
}

// Len returns the number of remembered ids.
func (d *dedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
