package runtime

import "github.com/google/uuid"

// EventQueue is the FIFO standing between the runtime loop and a consumer
// that reads slower than events are produced. A Progress pushed while an
// older Progress of the same correlation id is still queued replaces it in
// place. Every other event is kept.
type EventQueue struct {
	items []Event
	// base is the absolute index of items[0].
	base     int
	progress map[uuid.UUID]int
}

func NewEventQueue() *EventQueue {
	return &EventQueue{progress: make(map[uuid.UUID]int)}
}

func (q *EventQueue) Push(ev Event) {
	if Terminal(ev) {
		// Nothing may coalesce past the end of a sequence.
		delete(q.progress, ev.Correlation())
	}
	if p, ok := ev.(Progress); ok {
		if at, queued := q.progress[p.ID]; queued {
			q.items[at-q.base] = p
			return
		}
		q.progress[p.ID] = q.base + len(q.items)
	}
	q.items = append(q.items, ev)
}

// Head returns the oldest event without removing it.
func (q *EventQueue) Head() (Event, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *EventQueue) Pop() (Event, bool) {
	ev, ok := q.Head()
	if !ok {
		return nil, false
	}
	if p, isProgress := ev.(Progress); isProgress {
		if at, queued := q.progress[p.ID]; queued && at == q.base {
			delete(q.progress, p.ID)
		}
	}
	q.items[0] = nil
	q.items = q.items[1:]
	q.base++
	if len(q.items) == 0 {
		q.items = nil
	}
	return ev, true
}

func (q *EventQueue) Len() int {
	return len(q.items)
}
