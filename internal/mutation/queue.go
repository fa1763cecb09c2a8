package mutation

import (
	"sort"
	"sync"

	"chat-sync/internal/models"
)

// Outcome describes what Enqueue did with a mutation.
type Outcome string

const (
	// Created: the mutation was queued as new.
	Created Outcome = "created"
	// Duplicate: an equivalent mutation is already pending; nothing changed.
	Duplicate Outcome = "duplicate"
	// Extended: a pending relative markRead absorbed the new decrement as a
	// part of its own.
	Extended Outcome = "extended"
	// Superseded: pending mutations of the same class, or every mutation on
	// the target for archive/delete, were cancelled in favour of this one.
	Superseded Outcome = "superseded"
)

// Result is returned by Enqueue.
type Result struct {
	Mutation  *Mutation
	Outcome   Outcome
	Cancelled []*Mutation
	// Part is the decrement an extended mutation absorbed.
	Part ReadPart
}

// Queue holds pending mutations ordered by sequence number.
type Queue struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]*Mutation
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{pending: make(map[string]*Mutation)}
}

// Enqueue adds m, collapsing it into an equivalent pending mutation when one
// exists. A relative conversation read collapses into a pending one as a new
// part with its own key, so each decrement is acknowledged separately.
func (q *Queue) Enqueue(m *Mutation) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing := q.collapseLocked(m.Target, m.Op.Class())
	if existing != nil {
		switch {
		case existing.Op == m.Op && existing.Op == OpMarkRead && m.Target.Kind == models.KindConversation:
			part := existing.extend(m.Count, m.Through)
			return Result{Mutation: existing, Outcome: Extended, Part: part}
		case existing.Op == m.Op && existing.Value == m.Value:
			return Result{Mutation: existing, Outcome: Duplicate}
		case existing.Op == OpMarkAllRead && m.Op == OpMarkRead:
			return Result{Mutation: existing, Outcome: Duplicate}
		}
	}

	var cancelled []*Mutation
	for _, p := range q.sortedLocked() {
		if p.Target != m.Target {
			continue
		}
		if m.Invalidates() || p.Op.Class() == m.Op.Class() {
			cancelled = append(cancelled, p)
		}
	}

	outcome := Created
	for _, c := range cancelled {
		c.Status = StatusCancelled
		delete(q.pending, c.ID)
		outcome = Superseded
	}
	if len(cancelled) > 0 && cancelled[0].Before != nil {
		// The earliest snapshot is the state before any of the chain ran.
		m.Before = cancelled[0].Before
	}

	q.seq++
	m.Seq = q.seq
	m.Status = StatusPending
	q.pending[m.ID] = m
	return Result{Mutation: m, Outcome: outcome, Cancelled: cancelled}
}

// Collapse returns the pending mutation of class on target, if any.
func (q *Queue) Collapse(target models.Ref, class Class) *Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.collapseLocked(target, class)
}

func (q *Queue) collapseLocked(target models.Ref, class Class) *Mutation {
	for _, m := range q.sortedLocked() {
		if m.Target == target && m.Op.Class() == class {
			return m
		}
	}
	return nil
}

// PendingFor returns the pending mutations touching ref in submission order.
func (q *Queue) PendingFor(ref models.Ref) []*Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Mutation, 0)
	for _, m := range q.sortedLocked() {
		if m.Touches(ref) {
			out = append(out, m)
		}
	}
	return out
}

// Pending returns every pending mutation in submission order.
func (q *Queue) Pending() []*Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

// Get returns a pending mutation by id.
func (q *Queue) Get(id string) (*Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.pending[id]
	return m, ok
}

// Resolve removes a pending mutation with the final status. It reports false
// when the mutation is no longer pending.
func (q *Queue) Resolve(id string, status Status) (*Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.pending[id]
	if !ok {
		return nil, false
	}
	m.Status = status
	delete(q.pending, id)
	return m, true
}

// DropTarget confirms and removes every mutation targeting ref.
func (q *Queue) DropTarget(ref models.Ref) []*Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Mutation
	for _, m := range q.sortedLocked() {
		if m.Target != ref {
			continue
		}
		m.Status = StatusConfirmed
		delete(q.pending, m.ID)
		out = append(out, m)
	}
	return out
}

// Len returns the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) sortedLocked() []*Mutation {
	out := make([]*Mutation, 0, len(q.pending))
	for _, m := range q.pending {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
