package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"delver/internal/llm_client"
	"delver/internal/memory"
	"delver/internal/model"
)

// Planner turns a query into research topics and handles the optional
// clarify step.
type Planner struct {
	Provider llm_client.Provider
}

var topicsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"topics": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":             map[string]any{"type": "string"},
					"description":       map[string]any{"type": "string"},
					"priority":          map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
					"estimated_sources": map[string]any{"type": "integer"},
				},
				"required": []string{"title", "description", "priority"},
			},
		},
	},
	"required": []string{"topics"},
}

func buildTopicsPrompt(query string, mem []memory.Entry, feedback string, maxTopics int) string {
	var sb strings.Builder
	sb.WriteString("You are the planning step of a deep-research pipeline. Break the user's query into independent research topics that can be investigated in parallel.\n\n")
	sb.WriteString(fmt.Sprintf("Produce at most %d topics. Each topic needs a short title, a concrete description of what to investigate, a priority (high/medium/low) and an estimate of how many sources it will take.\n", maxTopics))
	sb.WriteString("Topics must not overlap; together they must cover the query from several angles, including at least one critical/verification angle when the query makes claims.\n\n")

	if len(mem) > 0 {
		sb.WriteString("CONTEXT FROM PRIOR SESSIONS:\n")
		for _, e := range mem {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", e.Title, e.Excerpt))
		}
		sb.WriteString("\n")
	}
	if feedback != "" {
		sb.WriteString("SUPERVISOR FEEDBACK FROM THE PREVIOUS PLAN (address it):\n")
		sb.WriteString(feedback)
		sb.WriteString("\n\n")
	}

	sb.WriteString("QUERY: ")
	sb.WriteString(query)
	return sb.String()
}

// PlanTopics generates the topic list. On replan the supervisor's feedback
// is threaded back into the prompt.
func (p *Planner) PlanTopics(ctx context.Context, query string, mem []memory.Entry, feedback string, maxTopics int) ([]model.Topic, error) {
	if maxTopics <= 0 {
		maxTopics = 4
	}
	out, err := llm_client.CompleteJSONRetry(ctx, p.Provider, buildTopicsPrompt(query, mem, feedback, maxTopics), topicsSchema)
	if err != nil {
		return nil, fmt.Errorf("plan topics: %w", err)
	}

	var parsed struct {
		Topics []model.Topic `json:"topics"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	topics := parsed.Topics
	if len(topics) == 0 {
		return nil, fmt.Errorf("planner returned no topics")
	}
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	for i := range topics {
		if topics[i].Priority == "" {
			topics[i].Priority = model.PriorityMedium
		}
		if topics[i].EstimatedSources <= 0 {
			topics[i].EstimatedSources = 3
		}
	}
	return topics, nil
}

// Clarification restates an ambiguous query with explicit assumptions. The
// pipeline never blocks on the user; assumptions are surfaced as a planning
// event instead.
type Clarification struct {
	Ambiguous   bool     `json:"ambiguous"`
	Restated    string   `json:"restated"`
	Assumptions []string `json:"assumptions"`
}

var clarifySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"ambiguous":   map[string]any{"type": "boolean"},
		"restated":    map[string]any{"type": "string"},
		"assumptions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"ambiguous", "restated"},
}

func (p *Planner) Clarify(ctx context.Context, query string) (Clarification, error) {
	var sb strings.Builder
	sb.WriteString("Decide whether this research query is ambiguous (unclear scope, timeframe, entity or intent). ")
	sb.WriteString("If ambiguous, restate it precisely and list the assumptions you made; otherwise restate it verbatim.\n\n")
	sb.WriteString("QUERY: ")
	sb.WriteString(query)

	out, err := llm_client.CompleteJSONRetry(ctx, p.Provider, sb.String(), clarifySchema)
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: %w", err)
	}
	var c Clarification
	if err := json.Unmarshal([]byte(out), &c); err != nil {
		return Clarification{}, fmt.Errorf("parse clarification: %w", err)
	}
	if strings.TrimSpace(c.Restated) == "" {
		c.Restated = query
	}
	return c, nil
}
