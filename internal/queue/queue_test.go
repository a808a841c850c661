package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"delver/internal/model"
)

func TestDrainBatchKeepsArrivalOrder(t *testing.T) {
	q := New(16)
	for i := 0; i < 5; i++ {
		q.Post(model.CompletionEvent{
			AgentID: "agent-a",
			Finding: model.Finding{ID: fmt.Sprintf("finding-%d", i)},
		})
	}

	batch := q.DrainBatch()

	assert.Len(t, batch, 5)
	for i, ev := range batch {
		assert.Equal(t, fmt.Sprintf("finding-%d", i), ev.Finding.ID)
	}
}

func TestDrainBatchPerAgentFIFO(t *testing.T) {
	q := New(16)
	q.Post(model.CompletionEvent{AgentID: "agent-a", Finding: model.Finding{ID: "a1"}})
	q.Post(model.CompletionEvent{AgentID: "agent-b", Finding: model.Finding{ID: "b1"}})
	q.Post(model.CompletionEvent{AgentID: "agent-a", Finding: model.Finding{ID: "a2"}})

	batch := q.DrainBatch()

	var fromA []string
	for _, ev := range batch {
		if ev.AgentID == "agent-a" {
			fromA = append(fromA, ev.Finding.ID)
		}
	}
	assert.Equal(t, []string{"a1", "a2"}, fromA)
}

func TestDrainBatchNeverWaits(t *testing.T) {
	q := New(4)

	assert.Empty(t, q.DrainBatch())

	q.Post(model.CompletionEvent{AgentID: "agent-a", Finding: model.Finding{ID: "a1"}})
	assert.Len(t, q.DrainBatch(), 1)
	assert.Empty(t, q.DrainBatch())
}

func TestNewDefaultsCapacity(t *testing.T) {
	q := New(0)
	assert.Equal(t, 256, cap(q.ch))
	assert.Equal(t, 0, q.Len())
}
