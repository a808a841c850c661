package metrics

import "time"

type AgentMetrics struct {
	AgentID  string `json:"agent_id"`
	Topic    string `json:"topic"`
	Steps    int    `json:"steps"`
	Todos    int    `json:"todos"`
	Done     int    `json:"done"`
	Findings int    `json:"findings"`
}

type SessionMetrics struct {
	SessionID     string         `json:"session_id"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	DurationMs    int64          `json:"duration_ms"`
	Iterations    int            `json:"iterations"`
	UniqueSources int            `json:"unique_sources"`
	Findings      int            `json:"findings"`
	Succeeded     bool           `json:"succeeded"`
	Agents        []AgentMetrics `json:"agents"`
}

// Compute derived fields once the session is over.
func (m *SessionMetrics) Finalize() {
	m.End = time.Now()
	m.DurationMs = m.End.Sub(m.Start).Milliseconds()
}
