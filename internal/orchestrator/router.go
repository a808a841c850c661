package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"delver/internal/llm_client"
)

// Route names the pipeline a query is dispatched to.
type Route string

const (
	RouteDirect       Route = "direct"
	RouteWebSearch    Route = "web_search"
	RouteDeepResearch Route = "deep_research"
)

var routeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"route": map[string]any{
			"type": "string",
			"enum": []string{string(RouteDirect), string(RouteWebSearch), string(RouteDeepResearch)},
		},
		"reason": map[string]any{"type": "string"},
	},
	"required": []string{"route"},
}

const routePrompt = `Classify the user's query into one of three routes:
- "direct": answerable from general knowledge, no lookup needed (definitions, explanations, code help).
- "web_search": needs a few current facts from the web (prices, dates, recent events, specific pages).
- "deep_research": an open-ended question needing multi-angle investigation and a structured report.

Query: %s

Return JSON with "route" and a short "reason".`

// ClassifyQuery decides which pipeline handles the query. Classification
// failure falls back to web_search, the middle ground.
func (o *Orchestrator) ClassifyQuery(ctx context.Context, query string) Route {
	raw, err := llm_client.CompleteJSONRetry(ctx, o.Provider, fmt.Sprintf(routePrompt, query), routeSchema)
	if err != nil {
		o.Log.Warn("route classification failed", zap.Error(err))
		return RouteWebSearch
	}
	var out struct {
		Route  Route  `json:"route"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(llm_client.StripFences(raw)), &out); err != nil {
		return RouteWebSearch
	}
	switch out.Route {
	case RouteDirect, RouteWebSearch, RouteDeepResearch:
		return out.Route
	}
	return RouteWebSearch
}

// AnswerDirect answers from the model alone, no tools.
func (o *Orchestrator) AnswerDirect(ctx context.Context, query string) (string, error) {
	return o.Provider.Complete(ctx, "Answer the following question directly and concisely.\n\n"+query)
}

// WebSearch is the bounded middle path: one search round, scrape the top
// results, answer from the pages. No agents, no supervisor, no workspace.
func (o *Orchestrator) WebSearch(ctx context.Context, query string) (string, error) {
	results, err := o.Tools.Search.Search(ctx, query, 5)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	if len(results) == 0 {
		return o.AnswerDirect(ctx, query)
	}

	var ctxb strings.Builder
	scraped := 0
	for _, res := range results {
		if scraped >= 3 {
			break
		}
		page, err := o.Tools.Scrape.Fetch(ctx, res.URL)
		if err != nil {
			ctxb.WriteString(fmt.Sprintf("SOURCE: %s (%s)\n%s\n\n", res.Title, res.URL, res.Snippet))
			continue
		}
		ctxb.WriteString(fmt.Sprintf("SOURCE: %s (%s)\n%s\n\n", page.Title, page.URL, page.Content))
		scraped++
	}

	prompt := fmt.Sprintf(
		"Answer the question using the sources below. Cite source URLs inline.\n\nQUESTION: %s\n\n%s",
		query, ctxb.String())
	return o.Provider.Complete(ctx, prompt)
}
