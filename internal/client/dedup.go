package client

import (
	"container/list"
	"sync"
)

const (
	dedupCapacity = 200
	dedupEvict    = 50
)

// SeenSet is a fixed capacity LRU of message ids. When it overflows the
// least recently seen ids are dropped in one batch.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	evict    int
	items    map[string]*list.Element
	order    *list.List
}

// NewSeenSet creates a set holding up to capacity ids that drops evict ids
// at a time on overflow
func NewSeenSet(capacity, evict int) *SeenSet {
	if evict <= 0 || evict > capacity {
		evict = 1
	}
	return &SeenSet{
		capacity: capacity,
		evict:    evict,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether id is in the set and refreshes it
func (s *SeenSet) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if ok {
		s.order.MoveToFront(elem)
	}
	return ok
}

// Remember adds id to the set
func (s *SeenSet) Remember(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[id]; ok {
		s.order.MoveToFront(elem)
		return
	}
	s.items[id] = s.order.PushFront(id)

	if s.order.Len() > s.capacity {
		for i := 0; i < s.evict; i++ {
			back := s.order.Back()
			if back == nil {
				break
			}
			s.order.Remove(back)
			delete(s.items, back.Value.(string))
		}
	}
}

// Len returns the number of remembered ids
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Dedup filters retransmitted direct messages. A message is a duplicate if
// its id was already seen or if its text equals the previous message from
// the same sender. Distinct messages with equal text in a row are therefore
// dropped too; the filter is approximate.
type Dedup struct {
	seen *SeenSet

	mu   sync.Mutex
	last map[string]string
}

// NewDedup creates a filter with the default window
func NewDedup() *Dedup {
	return &Dedup{
		seen: NewSeenSet(dedupCapacity, dedupEvict),
		last: make(map[string]string),
	}
}

// Duplicate reports whether the message should be dropped and records it
// otherwise
func (d *Dedup) Duplicate(from, id, text string) bool {
	if id != "" && d.seen.Seen(id) {
		return true
	}

	d.mu.Lock()
	prev, ok := d.last[from]
	if ok && prev == text {
		d.mu.Unlock()
		return true
	}
	d.last[from] = text
	d.mu.Unlock()

	if id != "" {
		d.seen.Remember(id)
	}
	return false
}
