package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/internal/tools"
)

type cannedProvider struct {
	jsonOut string
	jsonErr error
	textOut string
	prompts []string
}

func (p *cannedProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	return p.textOut, nil
}

func (p *cannedProvider) CompleteJSON(ctx context.Context, prompt string, schema any) (string, error) {
	p.prompts = append(p.prompts, prompt)
	return p.jsonOut, p.jsonErr
}

func (p *cannedProvider) Model() string { return "fake" }

func TestClassifyQuery(t *testing.T) {
	tests := []struct {
		name string
		out  string
		err  error
		want Route
	}{
		{"direct", `{"route":"direct","reason":"general knowledge"}`, nil, RouteDirect},
		{"deep", `{"route":"deep_research","reason":"open ended"}`, nil, RouteDeepResearch},
		{"unknown route falls back", `{"route":"teleport"}`, nil, RouteWebSearch},
		{"garbage falls back", `not json`, nil, RouteWebSearch},
		{"error falls back", ``, errors.New("down"), RouteWebSearch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(&cannedProvider{jsonOut: tt.out, jsonErr: tt.err}, tools.Toolset{}, nil, nil, nil, nil, nil)
			assert.Equal(t, tt.want, o.ClassifyQuery(context.Background(), "some query"))
		})
	}
}

func TestAnswerDirect(t *testing.T) {
	p := &cannedProvider{textOut: "42"}
	o := New(p, tools.Toolset{}, nil, nil, nil, nil, nil)

	out, err := o.AnswerDirect(context.Background(), "what is the answer")

	require.NoError(t, err)
	assert.Equal(t, "42", out)
	require.Len(t, p.prompts, 1)
	assert.Contains(t, p.prompts[0], "what is the answer")
}

func TestWebSearchAnswersFromScrapedPages(t *testing.T) {
	p := &cannedProvider{textOut: "the answer, per example.com"}
	o := New(p, tools.Toolset{Search: fixedSearcher{}, Scrape: fixedScraper{}}, nil, nil, nil, nil, nil)

	out, err := o.WebSearch(context.Background(), "battery cost today")

	require.NoError(t, err)
	assert.Equal(t, "the answer, per example.com", out)
	last := p.prompts[len(p.prompts)-1]
	assert.Contains(t, last, "battery cost today")
	assert.Contains(t, last, "https://example.com/a")
	assert.Contains(t, last, "Costs fell below $100/kWh.")
}

type emptySearcher struct{}

func (emptySearcher) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	return nil, nil
}

func TestWebSearchFallsBackToDirectOnNoResults(t *testing.T) {
	p := &cannedProvider{textOut: "best effort"}
	o := New(p, tools.Toolset{Search: emptySearcher{}, Scrape: fixedScraper{}}, nil, nil, nil, nil, nil)

	out, err := o.WebSearch(context.Background(), "obscure query")

	require.NoError(t, err)
	assert.Equal(t, "best effort", out)
	assert.True(t, strings.Contains(p.prompts[len(p.prompts)-1], "Answer the following question directly"))
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	return nil, errors.New("network down")
}

func TestWebSearchPropagatesSearchFailure(t *testing.T) {
	o := New(&cannedProvider{}, tools.Toolset{Search: failingSearcher{}}, nil, nil, nil, nil, nil)

	_, err := o.WebSearch(context.Background(), "q")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "web search")
}
