package events

import "time"

type Kind string

const (
	KindStatus             Kind = "status"
	KindSearchQueries      Kind = "search_queries"
	KindPlanning           Kind = "planning"
	KindSourceFound        Kind = "source_found"
	KindFinding            Kind = "finding"
	KindAgentTodo          Kind = "agent_todo"
	KindAgentNote          Kind = "agent_note"
	KindSupervisorDecision Kind = "supervisor_decision"
	KindCompression        Kind = "compression"
	KindReportChunk        Kind = "report_chunk"
	KindFinalReport        Kind = "final_report"
	KindError              Kind = "error"
	KindDone               Kind = "done"
)

// Event is one entry of the ordered progress stream a session emits. Payload
// carries kind-specific structured data (plan, finding, report) already
// shaped for display.
type Event struct {
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter is the only coupling between the orchestration core and whatever
// renders progress. The orchestrator knows nothing about transport.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Nop discards all events.
var Nop Emitter = EmitterFunc(func(Event) {})
