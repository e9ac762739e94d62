package probe

import (
	"sync"
	"time"
)

// IDSequence hands out transaction ids. After 65535 it wraps to 0.
type IDSequence struct {
	next uint16
	mu   sync.Mutex
}

// NewIDSequence returns a sequence whose first id is start.
func NewIDSequence(start uint16) *IDSequence {
	return &IDSequence{next: start}
}

// Next returns the next transaction id.
func (s *IDSequence) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	return id
}

// PendingTable maps the id of every unanswered query to its send time.
//
// Entries are removed only when a matching reply is taken. Nothing expires
// them, so once ids wrap a late reply is matched to the newest query that
// reused its id.
type PendingTable struct {
	pending map[uint16]time.Time
	mu      sync.Mutex
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[uint16]time.Time)}
}

// Insert records the send time of id, replacing any older entry.
func (t *PendingTable) Insert(id uint16, sentAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = sentAt
}

// Take removes id and returns its send time.
func (t *PendingTable) Take(id uint16) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sentAt, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return sentAt, ok
}

// Len returns the number of pending queries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
