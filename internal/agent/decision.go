package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"delver/internal/llm_client"
	"delver/internal/model"
	"delver/internal/tools"
)

// ActionKind is the closed set of things an agent can decide to do in one
// step. Adding a kind is a compile-time change: every switch over it must
// handle the new case.
type ActionKind string

const (
	ActionSearch ActionKind = "search"
	ActionScrape ActionKind = "scrape"
	ActionNote   ActionKind = "note"
	ActionFinish ActionKind = "finish"
)

func parseActionKind(s string) (ActionKind, error) {
	switch ActionKind(strings.ToLower(strings.TrimSpace(s))) {
	case ActionSearch:
		return ActionSearch, nil
	case ActionScrape:
		return ActionScrape, nil
	case ActionNote:
		return ActionNote, nil
	case ActionFinish:
		return ActionFinish, nil
	default:
		return "", fmt.Errorf("unknown action kind: %q", s)
	}
}

// decision is what one reasoning step returns.
type decision struct {
	Reasoning string       `json:"reasoning"`
	Action    ActionKind   `json:"action"`
	Args      decisionArgs `json:"args"`
}

type decisionArgs struct {
	// search: independent queries issued concurrently within this step.
	Queries []string `json:"queries,omitempty"`
	// scrape: independent URLs fetched concurrently within this step.
	URLs []string `json:"urls,omitempty"`
	// note
	NoteTitle   string   `json:"note_title,omitempty"`
	NoteSummary string   `json:"note_summary,omitempty"`
	NoteURLs    []string `json:"note_urls,omitempty"`
	NoteShared  bool     `json:"note_shared,omitempty"`
	// finish
	Summary     string   `json:"summary,omitempty"`
	KeyFindings []string `json:"key_findings,omitempty"`
	Confidence  string   `json:"confidence,omitempty"`
}

var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reasoning": map[string]any{"type": "string"},
		"action":    map[string]any{"type": "string", "enum": []string{"search", "scrape", "note", "finish"}},
		"args": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"queries":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"urls":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"note_title":   map[string]any{"type": "string"},
				"note_summary": map[string]any{"type": "string"},
				"note_urls":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"note_shared":  map[string]any{"type": "boolean"},
				"summary":      map[string]any{"type": "string"},
				"key_findings": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"confidence":   map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
			},
		},
	},
	"required": []string{"reasoning", "action"},
}

const maxQuotedObservation = 6000

func (a *Agent) buildStepPrompt(todo model.Todo, lastObservation string, notes []model.Note) string {
	var sb strings.Builder
	sb.WriteString("You are a research agent working on one task of a larger investigation.\n")
	if a.Persona != "" {
		sb.WriteString("PERSONA: ")
		sb.WriteString(a.Persona)
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("TOPIC: %s: %s\n\n", a.Topic.Title, a.Topic.Description))
	sb.WriteString(fmt.Sprintf("CURRENT TASK: %s\nOBJECTIVE: %s\nEXPECTED OUTPUT: %s\n\n", todo.Title, todo.Objective, todo.ExpectedOutput))

	sb.WriteString("ACTIONS:\n")
	sb.WriteString("- search: args.queries = 1-3 INDEPENDENT web search queries (they run in parallel).\n")
	sb.WriteString("- scrape: args.urls = 1-3 INDEPENDENT URLs to read in full (they run in parallel). Only use URLs you have seen in search results or notes.\n")
	sb.WriteString("- note: record a durable note (args.note_title, args.note_summary, args.note_urls, args.note_shared to share with other agents).\n")
	sb.WriteString("- finish: the task is done; args.summary, args.key_findings, args.confidence.\n\n")

	sb.WriteString("RULES:\n")
	sb.WriteString("- Verify claims across at least two independent sources before finishing with high confidence.\n")
	sb.WriteString("- Prefer scraping a promising result over searching again with a near-identical query.\n")
	sb.WriteString("- Finish as soon as the objective is met; steps are budgeted.\n\n")

	if fs := a.findingsSoFar(); len(fs) > 0 {
		sb.WriteString("YOUR FINDINGS SO FAR:\n")
		for _, f := range fs {
			sb.WriteString("- ")
			sb.WriteString(f.Summary)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if len(notes) > 0 {
		sb.WriteString("SHARED NOTES FROM OTHER AGENTS:\n")
		for _, n := range notes {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", n.AgentID, n.Title, n.Summary))
		}
		sb.WriteString("\n")
	}
	if lastObservation != "" {
		obs := lastObservation
		if len(obs) > maxQuotedObservation {
			obs = obs[:maxQuotedObservation] + "\n[... observation clipped for prompt ...]"
		}
		sb.WriteString("LAST OBSERVATION:\n")
		sb.WriteString(obs)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("Steps used: %d of %d. Decide your next action.", a.stepCount(), a.MaxSteps))
	return sb.String()
}

func (a *Agent) decide(ctx context.Context, todo model.Todo, lastObservation string, notes []model.Note) (decision, error) {
	out, err := llm_client.CompleteJSONRetry(ctx, a.Provider, a.buildStepPrompt(todo, lastObservation, notes), decisionSchema)
	if err != nil {
		return decision{}, err
	}
	var d decision
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return decision{}, fmt.Errorf("parse decision: %w", err)
	}
	kind, err := parseActionKind(string(d.Action))
	if err != nil {
		return decision{}, err
	}
	d.Action = kind
	return d, nil
}

// callsFor maps a decision to the tool calls of this step. Search and scrape
// requests within one decision are independent by construction and run
// concurrently.
func (a *Agent) callsFor(d decision) []tools.Call {
	var calls []tools.Call
	switch d.Action {
	case ActionSearch:
		for _, q := range d.Args.Queries {
			if q = strings.TrimSpace(q); q != "" {
				calls = append(calls, tools.Call{Kind: "search", Query: q, Limit: a.SearchLimit})
			}
		}
	case ActionScrape:
		for _, u := range d.Args.URLs {
			if u = strings.TrimSpace(u); u != "" {
				calls = append(calls, tools.Call{Kind: "scrape", URL: u})
			}
		}
	case ActionNote, ActionFinish:
		// no tool calls
	}
	return calls
}
