package model

type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoDone       TodoStatus = "done"
)

type TodoOrigin string

const (
	TodoBySelf       TodoOrigin = "self"
	TodoBySupervisor TodoOrigin = "supervisor"
)

// Todo is one unit of work on an agent's list. At most one todo per agent
// may be in_progress at a time.
type Todo struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Objective      string     `json:"objective"`
	ExpectedOutput string     `json:"expected_output"`
	Priority       Priority   `json:"priority"`
	Status         TodoStatus `json:"status"`
	CreatedBy      TodoOrigin `json:"created_by"`
}

type DirectiveKind string

const (
	DirectiveNewTodo      DirectiveKind = "new_todo"
	DirectiveReprioritize DirectiveKind = "reprioritize"
	DirectiveTerminate    DirectiveKind = "terminate"
)

// Directive is an instruction from the supervisor to one agent. It is
// consumed exactly once, at the start of the agent's next step.
type Directive struct {
	TargetAgentID string        `json:"target_agent_id"`
	Kind          DirectiveKind `json:"kind"`
	Todo          *Todo         `json:"todo,omitempty"`     // new_todo
	TodoID        string        `json:"todo_id,omitempty"`  // reprioritize
	Priority      Priority      `json:"priority,omitempty"` // reprioritize
	Reason        string        `json:"reason,omitempty"`
}
