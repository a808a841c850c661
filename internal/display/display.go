package display

import (
	"fmt"
	"strings"

	"delver/internal/model"
)

const maxSnippetLength = 100

// FormatPlan renders the research plan the way a user sees it before (or
// while) agents run.
func FormatPlan(topics []model.Topic) string {
	var sb strings.Builder
	sb.WriteString("Research plan:\n")
	sb.WriteString("--------------------------------------------------\n")
	for i, t := range topics {
		sb.WriteString(fmt.Sprintf("Topic %d [%s]: %s\n", i+1, t.Priority, t.Title))
		if t.Description != "" {
			sb.WriteString("    " + snippet(t.Description) + "\n")
		}
	}
	sb.WriteString("--------------------------------------------------")
	return sb.String()
}

// FormatFinding is the one-line progress entry printed when an agent
// completes a task.
func FormatFinding(f model.Finding) string {
	return fmt.Sprintf("  [%s] %s: %s (%d sources, confidence %s)",
		f.AgentID, f.Topic, snippet(f.Summary), len(f.Sources), f.Confidence)
}

// FormatReport renders the final report for the terminal.
func FormatReport(rep model.FinalReport) string {
	var sb strings.Builder
	sb.WriteString("==================================================\n")
	sb.WriteString(rep.Text())
	if rep.Degraded {
		sb.WriteString("\n[note: report assembled from raw findings after synthesis fell short]\n")
	}
	sb.WriteString("==================================================")
	return sb.String()
}

func snippet(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxSnippetLength {
		return s[:maxSnippetLength] + "..."
	}
	return s
}
