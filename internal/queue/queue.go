package queue

import (
	"delver/internal/model"
)

// CompletionQueue is the bounded mailbox between agents and the supervisor.
// Producers post without waiting on supervisor availability (the buffer
// absorbs them; a full buffer applies backpressure rather than dropping, to
// keep at-least-once delivery). A single channel keeps global arrival order,
// which implies FIFO per agent: two events from the same agent can never
// overtake each other.
//
// The supervisor drains the entire backlog in one pass per review cycle
// instead of waking on every single completion.
type CompletionQueue struct {
	ch chan model.CompletionEvent
}

func New(capacity int) *CompletionQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &CompletionQueue{ch: make(chan model.CompletionEvent, capacity)}
}

// Post enqueues one completion event.
func (q *CompletionQueue) Post(ev model.CompletionEvent) {
	q.ch <- ev
}

// DrainBatch empties the current backlog and returns it in arrival order.
// It never waits for more events.
func (q *CompletionQueue) DrainBatch() []model.CompletionEvent {
	var batch []model.CompletionEvent
	for {
		select {
		case ev := <-q.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (q *CompletionQueue) Len() int { return len(q.ch) }
