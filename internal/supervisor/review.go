package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"delver/internal/llm_client"
	"delver/internal/model"
)

// reviewResult is the structured outcome of the single review call. Folding
// evaluation, synthesis and steering into one completion is what makes
// batch review an order of magnitude cheaper than reviewing every event.
type reviewResult struct {
	Assessment string             `json:"assessment"`
	Synthesis  []synthesisSection `json:"synthesis"`
	NewTodos   []suggestedTodo    `json:"new_todos"`
	Decision   string             `json:"decision"`
	Feedback   string             `json:"feedback"`
}

type synthesisSection struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
}

type suggestedTodo struct {
	AgentID        string `json:"agent_id"`
	Title          string `json:"title"`
	Objective      string `json:"objective"`
	ExpectedOutput string `json:"expected_output"`
	Priority       string `json:"priority"`
	Reason         string `json:"reason"`
}

var reviewSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"assessment": map[string]any{"type": "string"},
		"synthesis": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"topic":   map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"topic", "content"},
			},
		},
		"new_todos": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id":        map[string]any{"type": "string"},
					"title":           map[string]any{"type": "string"},
					"objective":       map[string]any{"type": "string"},
					"expected_output": map[string]any{"type": "string"},
					"priority":        map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
					"reason":          map[string]any{"type": "string"},
				},
				"required": []string{"agent_id", "title", "objective"},
			},
		},
		"decision": map[string]any{"type": "string", "enum": []string{"continue", "replan", "finish"}},
		"feedback": map[string]any{"type": "string"},
	},
	"required": []string{"assessment", "decision"},
}

func (s *Supervisor) callReview(ctx context.Context, sess *model.Session, workers []Worker, findings []model.Finding, fresh []model.CompletionEvent, mainDoc string, depth depthAssessment) (reviewResult, error) {
	out, err := llm_client.CompleteJSONRetry(ctx, s.Provider,
		buildReviewPrompt(sess, workers, findings, fresh, mainDoc, depth), reviewSchema)
	if err != nil {
		return reviewResult{}, fmt.Errorf("review call: %w", err)
	}
	var rv reviewResult
	if err := json.Unmarshal([]byte(out), &rv); err != nil {
		return reviewResult{}, fmt.Errorf("parse review: %w", err)
	}
	return rv, nil
}

func buildReviewPrompt(sess *model.Session, workers []Worker, findings []model.Finding, fresh []model.CompletionEvent, mainDoc string, depth depthAssessment) string {
	var sb strings.Builder
	sb.WriteString("You are the supervisor of a multi-agent research session. Review the batch of completed work, update the running synthesis, and steer the agents.\n\n")
	sb.WriteString(fmt.Sprintf("QUERY: %s\nMODE: %s\nITERATION: %d of %d\nUNIQUE SOURCES SO FAR: %d\n\n",
		sess.Query, sess.Mode, sess.Iteration, sess.MaxIterations, depth.uniqueSources))

	if mainDoc != "" {
		sb.WriteString("SESSION PLAN:\n")
		sb.WriteString(mainDoc)
		sb.WriteString("\n\n")
	}

	sb.WriteString("AGENTS AND TODO COMPLETION:\n")
	for _, w := range workers {
		todos := w.Todos()
		done := 0
		for _, t := range todos {
			if t.Status == model.TodoDone {
				done++
			}
		}
		sb.WriteString(fmt.Sprintf("- %s: %d/%d todos done\n", w.AgentID(), done, len(todos)))
	}
	sb.WriteString("\n")

	if len(fresh) > 0 {
		sb.WriteString("NEW COMPLETIONS THIS BATCH:\n")
		for _, ev := range fresh {
			f := ev.Finding
			sb.WriteString(fmt.Sprintf("- [%s] %s (confidence %s, %d searches, %d scrapes, %d sources)\n",
				f.AgentID, f.Summary, f.Confidence, f.Searches, f.Scrapes, len(f.Sources)))
			for _, kf := range f.KeyFindings {
				sb.WriteString("    * " + kf + "\n")
			}
		}
		sb.WriteString("\n")
	}

	if len(findings) > 0 {
		sb.WriteString("ALL FINDINGS SO FAR:\n")
		for _, f := range findings {
			sb.WriteString(fmt.Sprintf("- [%s/%s] %s\n", f.AgentID, f.Topic, f.Summary))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("DEPTH CHECK: ")
	sb.WriteString(depth.reason)
	sb.WriteString("\n\n")

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- synthesis: for each topic with new material, write a dense synthesis paragraph integrating the new findings with what was already known. These are appended to the running draft report.\n")
	sb.WriteString("- new_todos: when coverage is shallow, one-sided or unverified, add targeted todos for specific agents (use their IDs above): cross-verification, an uncovered dimension, or a counter-perspective.\n")
	sb.WriteString("- decision: continue (more of the current plan), replan (the topic breakdown itself is wrong; explain in feedback), or finish (research is deep enough to report).\n")
	return sb.String()
}
