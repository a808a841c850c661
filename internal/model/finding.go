package model

import "time"

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Finding is the immutable result of one completed todo.
type Finding struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Topic       string     `json:"topic"`
	Summary     string     `json:"summary"`
	KeyFindings []string   `json:"key_findings"`
	Sources     []string   `json:"sources"`
	Confidence  Confidence `json:"confidence"`
	Searches    int        `json:"searches"`
	Scrapes     int        `json:"scrapes"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Substantive reports whether the finding carries information worth keeping.
// Empty or metadata-only results are filtered out before being counted.
func (f Finding) Substantive() bool {
	if len(f.KeyFindings) > 0 {
		return true
	}
	return len(f.Summary) >= 40
}

// Note is a durable artifact an agent writes after finishing work. Shared
// notes are visible to every agent in the session.
type Note struct {
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	URLs      []string  `json:"urls"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletionEvent is what an agent posts to the directive queue when it
// finishes a todo.
type CompletionEvent struct {
	AgentID  string    `json:"agent_id"`
	Finding  Finding   `json:"finding"`
	PostedAt time.Time `json:"posted_at"`
}
