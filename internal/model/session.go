package model

import "time"

type Mode string

const (
	ModeSpeed    Mode = "speed"
	ModeBalanced Mode = "balanced"
	ModeQuality  Mode = "quality"
)

func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeSpeed, ModeBalanced, ModeQuality:
		return Mode(s)
	default:
		return ModeBalanced
	}
}

type SessionStatus string

const (
	SessionPlanning    SessionStatus = "planning"
	SessionRunning     SessionStatus = "running"
	SessionCompressing SessionStatus = "compressing"
	SessionReporting   SessionStatus = "reporting"
	SessionDone        SessionStatus = "done"
	SessionFailed      SessionStatus = "failed"
)

// Session is the one value threaded through every component of a research
// run. It is mutated only by the orchestrator; everything else reads it.
type Session struct {
	ID                  string        `json:"id"`
	Query               string        `json:"query"`
	Mode                Mode          `json:"mode"`
	Iteration           int           `json:"iteration"`
	MaxIterations       int           `json:"max_iterations"`
	MaxConcurrentAgents int           `json:"max_concurrent_agents"`
	Status              SessionStatus `json:"status"`
	StartedAt           time.Time     `json:"started_at"`
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Rank orders priorities for sorting; lower sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Topic is produced once by planning and read-only afterwards.
type Topic struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Priority         Priority `json:"priority"`
	EstimatedSources int      `json:"estimated_sources"`
}
