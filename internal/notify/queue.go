package notify

import (
	"sync"
)

// Entry is a queue reference to a notification. The queue orders
// entries only; lifecycle state lives in the store.
type Entry struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Queue is a dual-priority deque of pending notifications for one
// treatment. Front insertions (escalations) are served before anything
// queued at the back; each tier is FIFO. Ordering reflects insertion
// policy only, never scheduled time.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
}

func NewQueue() *Queue {
	return &Queue{}
}

// PushFront inserts at the head. Used for re-escalated alerts.
func (q *Queue) PushFront(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]Entry{e}, q.entries...)
}

// PushBack inserts at the tail. Used for newly scheduled reminders and
// first-attempt alerts.
func (q *Queue) PushBack(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
}

// PeekFront returns the head without removing it.
func (q *Queue) PeekFront() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// PopFront removes and returns the head.
func (q *Queue) PopFront() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	head := q.entries[0]
	q.entries = q.entries[1:]
	return head, true
}

// Remove deletes the entry with the given id, if present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// List returns a head-to-tail snapshot.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Entry, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

// Registry keeps one queue per treatment. The queue's ordering
// guarantees are scoped to a single treatment.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// ForTreatment returns the treatment's queue, creating it on first use.
func (r *Registry) ForTreatment(treatmentID string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[treatmentID]
	if !ok {
		q = NewQueue()
		r.queues[treatmentID] = q
	}
	return q
}

// Drop discards a treatment's queue. Used when a treatment is
// cancelled or its regimen replaced.
func (r *Registry) Drop(treatmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, treatmentID)
}
