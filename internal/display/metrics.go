package display

import (
	"fmt"
	"strings"

	"delver/internal/metrics"
)

func FormatSessionMetrics(sm *metrics.SessionMetrics) string {
	if sm == nil {
		return "No metrics available."
	}
	var sb strings.Builder
	sb.WriteString("Session metrics:\n")
	sb.WriteString(fmt.Sprintf("- Total: %d ms  (success=%v, iterations=%d, findings=%d, unique sources=%d)\n",
		sm.DurationMs, sm.Succeeded, sm.Iterations, sm.Findings, sm.UniqueSources))
	for _, a := range sm.Agents {
		sb.WriteString(fmt.Sprintf("    %-14s %-30s %2d steps  %d/%d todos  %d findings\n",
			a.AgentID, "("+a.Topic+")", a.Steps, a.Done, a.Todos, a.Findings))
	}
	return sb.String()
}
