// Package timewheel orders not-yet-due jobs by due instant.
//
// Entries are kept in a binary min-heap keyed by (dueAt, insertion sequence),
// so jobs sharing a due instant come out in the order they were inserted and
// an entry can never be overtaken forever by later, earlier-due inserts once
// its own instant has passed.
package timewheel

import (
	"container/heap"
	"time"

	"jobflow/internal/domain"
)

type entry struct {
	job   *domain.Job
	seq   uint64
	index int
}

type entries []*entry

func (h entries) Len() int { return len(h) }

func (h entries) Less(i, j int) bool {
	if h[i].job.DueAt.Equal(h[j].job.DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.DueAt.Before(h[j].job.DueAt)
}

func (h entries) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entries) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Wheel is not safe for concurrent use; the dispatcher serialises access.
type Wheel struct {
	h    entries
	byID map[string]*entry
	seq  uint64
}

func New() *Wheel {
	return &Wheel{byID: make(map[string]*entry)}
}

func (w *Wheel) Len() int { return len(w.h) }

// Insert adds a job. Re-inserting a job id already present is ignored.
func (w *Wheel) Insert(j *domain.Job) {
	if _, ok := w.byID[j.ID]; ok {
		return
	}
	w.seq++
	e := &entry{job: j, seq: w.seq}
	heap.Push(&w.h, e)
	w.byID[j.ID] = e
}

// PeekEarliest returns the earliest due instant and its job id.
func (w *Wheel) PeekEarliest() (time.Time, string, bool) {
	if len(w.h) == 0 {
		return time.Time{}, "", false
	}
	e := w.h[0]
	return e.job.DueAt, e.job.ID, true
}

// PopIfDue removes and returns every job with dueAt <= now in
// (dueAt, insertion) order.
func (w *Wheel) PopIfDue(now time.Time) []*domain.Job {
	var out []*domain.Job
	for len(w.h) > 0 && !w.h[0].job.DueAt.After(now) {
		e := heap.Pop(&w.h).(*entry)
		delete(w.byID, e.job.ID)
		out = append(out, e.job)
	}
	return out
}

// Remove drops a job before it becomes due and reports whether it was present.
func (w *Wheel) Remove(id string) bool {
	e, ok := w.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&w.h, e.index)
	delete(w.byID, id)
	return true
}
