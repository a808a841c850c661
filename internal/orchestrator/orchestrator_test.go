package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/internal/config"
	"delver/internal/events"
	"delver/internal/memory"
	"delver/internal/metrics"
	"delver/internal/model"
	"delver/internal/tools"
	"delver/internal/workspace"
)

// stageProvider answers each pipeline stage by recognizing its prompt. It
// also tracks how many agent-step completions run at once.
type stageProvider struct {
	mu          sync.Mutex
	curr        int
	highWater   int
	agentCalls  int
	planErr     error
	agentScrape bool // when set, agents scrape two pages before finishing

	// when set, the session is cancelled on the agent decision call after
	// cancelAfter successful ones
	cancel      context.CancelFunc
	cancelAfter int
}

const testFinishDecision = `{"reasoning":"enough","action":"finish","args":{"summary":"Battery costs fell below $100/kWh across major manufacturers in 2025.","key_findings":["costs under $100/kWh"],"confidence":"high"}}`

func (p *stageProvider) CompleteJSON(ctx context.Context, prompt string, schema any) (string, error) {
	switch {
	case strings.Contains(prompt, "Classify the user's query"):
		return `{"route":"deep_research","reason":"open ended"}`, nil

	case strings.Contains(prompt, "research query is ambiguous"):
		return `{"ambiguous":false,"restated":"ev adoption outlook"}`, nil

	case strings.Contains(prompt, "planning step of a deep-research pipeline"):
		if p.planErr != nil {
			return "", p.planErr
		}
		return `{"topics":[
			{"title":"battery costs","description":"cost trends","priority":"high","estimated_sources":3},
			{"title":"charging networks","description":"coverage","priority":"medium","estimated_sources":3},
			{"title":"policy incentives","description":"subsidies","priority":"medium","estimated_sources":3},
			{"title":"consumer sentiment","description":"surveys","priority":"low","estimated_sources":3}
		]}`, nil

	case strings.Contains(prompt, "You are a research agent"):
		p.mu.Lock()
		p.curr++
		if p.curr > p.highWater {
			p.highWater = p.curr
		}
		p.agentCalls++
		calls := p.agentCalls
		p.mu.Unlock()
		if p.cancel != nil && calls > p.cancelAfter {
			p.cancel()
			p.mu.Lock()
			p.curr--
			p.mu.Unlock()
			return "", context.Canceled
		}
		time.Sleep(5 * time.Millisecond)
		p.mu.Lock()
		p.curr--
		p.mu.Unlock()

		if p.agentScrape && !strings.Contains(prompt, "LAST OBSERVATION") {
			return `{"reasoning":"read sources","action":"scrape","args":{"urls":["https://example.com/a","https://example.com/b"]}}`, nil
		}
		return testFinishDecision, nil

	case strings.Contains(prompt, "You are the supervisor"):
		return `{"assessment":"solid","synthesis":[{"topic":"battery costs","content":"Costs keep falling."}],"new_todos":[],"decision":"finish","feedback":""}`, nil

	case strings.Contains(prompt, "Write the final research report"):
		return `{"title":"EV adoption outlook","executive_summary":"Adoption accelerates.","sections":[{"heading":"Batteries","content":"Costs fell."}],"conclusion":"Momentum continues.","sources":["https://example.com/a"],"confidence_level":"high"}`, nil
	}
	return "", errors.New("unrecognized prompt")
}

func (p *stageProvider) Complete(ctx context.Context, prompt string) (string, error) {
	return "condensed research summary", nil
}

func (p *stageProvider) Model() string { return "fake" }

type fixedScraper struct{}

func (fixedScraper) Fetch(ctx context.Context, url string) (tools.Page, error) {
	return tools.Page{URL: url, Title: "Page", Content: "Costs fell below $100/kWh."}, nil
}

type fixedSearcher struct{}

func (fixedSearcher) Search(ctx context.Context, query string, limit int) ([]tools.SearchResult, error) {
	return []tools.SearchResult{{Title: "Report", URL: "https://example.com/a", Snippet: "costs fell"}}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Modes[model.ModeBalanced] = config.Profile{
		MaxIterations:        2,
		MaxConcurrentAgents:  2,
		MaxAgentSteps:        6,
		MaxTopics:            4,
		MinUniqueSources:     1,
		MinDraftChars:        10,
		MinReportChars:       10,
		ReportMinSections:    1,
		ReportMinWords:       10,
		SearchResultsPerCall: 2,
	}
	return cfg
}

func newTestOrchestrator(t *testing.T, p *stageProvider) (*Orchestrator, *events.Stream, *workspace.Workspace, *memory.SQLiteStore) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	mem, err := memory.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	stream := events.NewStream()
	t.Cleanup(stream.Close)

	o := New(p, tools.Toolset{Search: fixedSearcher{}, Scrape: fixedScraper{}}, ws, mem, stream, nil, testConfig())
	return o, stream, ws, mem
}

func collectEvents(stream *events.Stream) func() []events.Event {
	ch := stream.Subscribe(1024)
	var mu sync.Mutex
	var out []events.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			out = append(out, ev)
			mu.Unlock()
		}
	}()
	return func() []events.Event {
		stream.Unsubscribe(ch)
		<-done
		mu.Lock()
		defer mu.Unlock()
		return out
	}
}

func TestResearchHappyPath(t *testing.T) {
	p := &stageProvider{agentScrape: true}
	o, stream, ws, mem := newTestOrchestrator(t, p)
	drain := collectEvents(stream)

	rep, err := o.Research(context.Background(), "ev adoption outlook", model.ModeBalanced)

	require.NoError(t, err)
	assert.Equal(t, "EV adoption outlook", rep.Title)
	assert.Contains(t, rep.Sources, "https://example.com/a")

	evs := drain()
	finals, dones, errsN := 0, 0, 0
	lastFinal, lastDone := -1, -1
	for i, ev := range evs {
		switch ev.Kind {
		case events.KindFinalReport:
			finals++
			lastFinal = i
		case events.KindDone:
			dones++
			lastDone = i
		case events.KindError:
			errsN++
		}
	}
	assert.Equal(t, 1, finals)
	assert.Equal(t, 1, dones)
	assert.Equal(t, 0, errsN)
	assert.Less(t, lastFinal, lastDone)

	// Workspace artifacts are cleaned up after success.
	findings, err := ws.Findings(context.Background(), evs[0].SessionID)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// The report was saved to memory for future sessions.
	entries, err := mem.Retrieve(context.Background(), "ev adoption outlook", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestResearchHonorsConcurrencyCap(t *testing.T) {
	p := &stageProvider{agentScrape: true}
	o, _, _, _ := newTestOrchestrator(t, p)

	_, err := o.Research(context.Background(), "ev adoption outlook", model.ModeBalanced)

	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.LessOrEqual(t, p.highWater, 2)
	assert.Greater(t, p.highWater, 0)
}

func TestResearchStopsAtIterationBudget(t *testing.T) {
	// Agents finish without any scraping, so every finding is shallow and
	// the supervisor keeps asking for verification until the budget runs out.
	p := &stageProvider{agentScrape: false}
	o, stream, _, _ := newTestOrchestrator(t, p)
	drain := collectEvents(stream)

	done := make(chan error, 1)
	go func() {
		_, err := o.Research(context.Background(), "ev adoption outlook", model.ModeBalanced)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("research did not terminate within the iteration budget")
	}

	var metricsSeen bool
	for _, ev := range drain() {
		if ev.Kind == events.KindDone {
			m, ok := ev.Payload.(metrics.SessionMetrics)
			require.True(t, ok)
			assert.Equal(t, 2, m.Iterations)
			assert.True(t, m.Succeeded)
			metricsSeen = true
		}
	}
	assert.True(t, metricsSeen)
}

func TestResearchCancellationKeepsFindingsInDraft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first agent finishes and posts a finding; the second agent's
	// decision call cancels the whole session mid-iteration.
	p := &stageProvider{cancel: cancel, cancelAfter: 1}
	o, stream, ws, _ := newTestOrchestrator(t, p)
	profile := o.Config.Modes[model.ModeBalanced]
	profile.MaxConcurrentAgents = 1
	o.Config.Modes[model.ModeBalanced] = profile
	drain := collectEvents(stream)

	_, err := o.Research(ctx, "ev adoption outlook", model.ModeBalanced)
	require.Error(t, err)

	evs := drain()
	require.NotEmpty(t, evs)
	sessID := evs[0].SessionID

	// The posted finding survived the cancellation.
	findings, err := ws.Findings(context.Background(), sessID)
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	// And it is readable from the draft, not only the findings table.
	draft, err := ws.Draft(context.Background(), sessID)
	require.NoError(t, err)
	assert.Contains(t, draft, "Battery costs fell below $100/kWh across major manufacturers in 2025.")

	var kinds []events.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, events.KindError)
	assert.Equal(t, events.KindDone, kinds[len(kinds)-1])
}

func TestAutoDraftRefreshesTopicsWithNewFindings(t *testing.T) {
	o, _, ws, _ := newTestOrchestrator(t, &stageProvider{})
	ctx := context.Background()

	sess := &model.Session{
		ID:        "session-draft1",
		Query:     "ev adoption outlook",
		Mode:      model.ModeBalanced,
		Status:    model.SessionRunning,
		StartedAt: time.Now(),
	}
	require.NoError(t, ws.CreateSession(ctx, sess))
	r := &run{sess: sess, profile: o.Config.ProfileFor(model.ModeBalanced)}

	addDraftFinding := func(id, summary string) {
		require.NoError(t, ws.AddFinding(ctx, sess.ID, model.Finding{
			ID:        id,
			AgentID:   "agent-1",
			Topic:     "battery costs",
			Summary:   summary,
			Sources:   []string{"https://example.com/" + id},
			CreatedAt: time.Now(),
		}))
	}

	addDraftFinding("finding-1", "Pack prices dropped eight percent year over year.")
	require.NoError(t, o.autoDraft(ctx, r))

	draft, err := ws.Draft(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, draft, "Pack prices dropped eight percent")

	// A later iteration adds a finding: the topic's digest is refreshed.
	addDraftFinding("finding-2", "Cell chemistry shifts keep cutting cathode costs.")
	require.NoError(t, o.autoDraft(ctx, r))

	draft, err = ws.Draft(ctx, sess.ID)
	require.NoError(t, err)
	assert.Contains(t, draft, "Pack prices dropped eight percent")
	assert.Contains(t, draft, "cathode costs")

	// No new findings: a third pass appends nothing.
	sections, err := ws.DraftSections(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, o.autoDraft(ctx, r))
	again, err := ws.DraftSections(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, len(sections), len(again))
}

func TestResearchFailurePathEmitsErrorThenDone(t *testing.T) {
	p := &stageProvider{planErr: errors.New("planner down")}
	o, stream, _, _ := newTestOrchestrator(t, p)
	drain := collectEvents(stream)

	_, err := o.Research(context.Background(), "ev adoption outlook", model.ModeBalanced)

	require.Error(t, err)
	evs := drain()
	var kinds []events.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, events.KindError)
	assert.Equal(t, events.KindDone, kinds[len(kinds)-1])

	finals := 0
	for _, k := range kinds {
		if k == events.KindFinalReport {
			finals++
		}
	}
	assert.Equal(t, 0, finals)
}
