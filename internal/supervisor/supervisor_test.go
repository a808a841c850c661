package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/internal/model"
	"delver/internal/queue"
	"delver/internal/workspace"
)

type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) CompleteJSON(ctx context.Context, prompt string, schema any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.response, f.err
}

type fakeWorker struct {
	mu         sync.Mutex
	id         string
	todos      []model.Todo
	directives []model.Directive
}

func (w *fakeWorker) AgentID() string { return w.id }

func (w *fakeWorker) Deliver(d model.Directive) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.directives = append(w.directives, d)
}

func (w *fakeWorker) Todos() []model.Todo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.todos
}

func (w *fakeWorker) delivered() []model.Directive {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Directive, len(w.directives))
	copy(out, w.directives)
	return out
}

func setupReview(t *testing.T, fc *fakeCompleter) (*Supervisor, *workspace.Workspace, *queue.CompletionQueue, *model.Session) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	sess := &model.Session{
		ID:            "session-sup1",
		Query:         "ev adoption",
		Mode:          model.ModeBalanced,
		MaxIterations: 4,
		Status:        model.SessionRunning,
		StartedAt:     time.Now(),
	}
	require.NoError(t, ws.CreateSession(context.Background(), sess))

	q := queue.New(32)
	s := New(fc, ws, q, nil, nil)
	return s, ws, q, sess
}

func postFinding(t *testing.T, ws *workspace.Workspace, q *queue.CompletionQueue, sessID, id string, searches, scrapes int, sources ...string) {
	t.Helper()
	f := model.Finding{
		ID:         id,
		AgentID:    "agent-1",
		Topic:      "batteries",
		Summary:    "Battery costs keep falling across every major manufacturer.",
		Sources:    sources,
		Confidence: model.ConfidenceMedium,
		Searches:   searches,
		Scrapes:    scrapes,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, ws.AddFinding(context.Background(), sessID, f))
	q.Post(model.CompletionEvent{AgentID: "agent-1", Finding: f, PostedAt: time.Now()})
}

const finishReview = `{"assessment":"deep enough","synthesis":[{"topic":"batteries","content":"Costs are falling."}],"new_todos":[],"decision":"finish","feedback":""}`

func TestReviewDepthHeuristicOverridesFinish(t *testing.T) {
	s, ws, q, sess := setupReview(t, &fakeCompleter{response: finishReview})
	s.MinUniqueSources = 8
	w := &fakeWorker{id: "agent-1"}
	postFinding(t, ws, q, sess.ID, "finding-1", 2, 2, "https://example.com/a")

	d := s.Review(context.Background(), sess, []Worker{w})

	// One source against a minimum of eight: the model's finish is vetoed.
	assert.Equal(t, VerdictContinue, d.Verdict)
	assert.Contains(t, d.Reason, "depth heuristic")
}

func TestReviewFinishStandsWhenDepthSufficient(t *testing.T) {
	s, ws, q, sess := setupReview(t, &fakeCompleter{response: finishReview})
	s.MinUniqueSources = 2
	w := &fakeWorker{id: "agent-1"}
	postFinding(t, ws, q, sess.ID, "finding-1", 3, 2,
		"https://example.com/a", "https://example.com/b", "https://example.com/c")

	d := s.Review(context.Background(), sess, []Worker{w})

	assert.Equal(t, VerdictFinish, d.Verdict)

	// The synthesis section landed in the draft.
	draft, err := ws.Draft(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Contains(t, draft, "Costs are falling.")
}

func TestReviewDedupesRedeliveredFindings(t *testing.T) {
	fc := &fakeCompleter{response: finishReview}
	s, ws, q, sess := setupReview(t, fc)
	s.MinUniqueSources = 1
	w := &fakeWorker{id: "agent-1"}

	postFinding(t, ws, q, sess.ID, "finding-1", 3, 2, "https://example.com/a")
	s.Review(context.Background(), sess, []Worker{w})

	// Same finding redelivered: only one supervisor draft section results.
	q.Post(model.CompletionEvent{AgentID: "agent-1", Finding: model.Finding{ID: "finding-1"}, PostedAt: time.Now()})
	before, err := ws.DraftSections(context.Background(), sess.ID)
	require.NoError(t, err)
	s.Review(context.Background(), sess, []Worker{w})
	after, err := ws.DraftSections(context.Background(), sess.ID)
	require.NoError(t, err)

	// The second review still appends its synthesis, but the redelivered
	// event must not appear as fresh work; verify via drain semantics.
	assert.GreaterOrEqual(t, len(after), len(before))
	assert.Equal(t, 0, q.Len())
}

func TestReviewDeliversCrossVerifyTodoForShallowWork(t *testing.T) {
	const continueReview = `{"assessment":"thin","synthesis":[],"new_todos":[],"decision":"continue","feedback":""}`
	s, ws, q, sess := setupReview(t, &fakeCompleter{response: continueReview})
	s.MinUniqueSources = 1
	w := &fakeWorker{id: "agent-1"}

	// One search, one scrape: shallow by definition.
	postFinding(t, ws, q, sess.ID, "finding-1", 1, 1, "https://example.com/a")

	s.Review(context.Background(), sess, []Worker{w})

	dirs := w.delivered()
	require.Len(t, dirs, 1)
	assert.Equal(t, model.DirectiveNewTodo, dirs[0].Kind)
	require.NotNil(t, dirs[0].Todo)
	assert.Equal(t, "Cross-verify previous result", dirs[0].Todo.Title)
	assert.Equal(t, model.PriorityHigh, dirs[0].Todo.Priority)
}

func TestReviewInsubstantialFindingVetoesFinish(t *testing.T) {
	s, ws, q, sess := setupReview(t, &fakeCompleter{response: finishReview})
	s.MinUniqueSources = 1
	w := &fakeWorker{id: "agent-1"}

	// Well-researched by the counters, but the result carries nothing: a
	// short summary and no key findings.
	f := model.Finding{
		ID:         "finding-1",
		AgentID:    "agent-1",
		Topic:      "batteries",
		Summary:    "nothing conclusive",
		Sources:    []string{"https://example.com/a", "https://example.com/b"},
		Confidence: model.ConfidenceMedium,
		Searches:   3,
		Scrapes:    2,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, ws.AddFinding(context.Background(), sess.ID, f))
	q.Post(model.CompletionEvent{AgentID: "agent-1", Finding: f, PostedAt: time.Now()})

	d := s.Review(context.Background(), sess, []Worker{w})

	assert.Equal(t, VerdictContinue, d.Verdict)
	assert.Contains(t, d.Reason, "depth heuristic")

	dirs := w.delivered()
	require.Len(t, dirs, 1)
	assert.Equal(t, "Cross-verify previous result", dirs[0].Todo.Title)
}

func TestReviewModelTodoSuppressesCrossVerify(t *testing.T) {
	const steering = `{"assessment":"thin","synthesis":[],"new_todos":[
		{"agent_id":"agent-1","title":"Check manufacturer filings","objective":"Find primary data","expected_output":"figures","priority":"high","reason":"verify"}
	],"decision":"continue","feedback":""}`
	s, ws, q, sess := setupReview(t, &fakeCompleter{response: steering})
	s.MinUniqueSources = 1
	w := &fakeWorker{id: "agent-1"}
	postFinding(t, ws, q, sess.ID, "finding-1", 1, 1, "https://example.com/a")

	s.Review(context.Background(), sess, []Worker{w})

	dirs := w.delivered()
	require.Len(t, dirs, 1)
	assert.Equal(t, "Check manufacturer filings", dirs[0].Todo.Title)
}

func TestReviewFailureDegradesThenForcesFinish(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("overloaded")}
	s, _, _, sess := setupReview(t, fc)
	s.ReviewBudget = 1
	w := &fakeWorker{id: "agent-1"}

	first := s.Review(context.Background(), sess, []Worker{w})
	assert.Equal(t, VerdictContinue, first.Verdict)

	second := s.Review(context.Background(), sess, []Worker{w})
	assert.Equal(t, VerdictFinish, second.Verdict)
}

func TestReviewsAreMutuallyExclusive(t *testing.T) {
	fc := &fakeCompleter{response: finishReview}
	s, ws, q, sess := setupReview(t, fc)
	s.MinUniqueSources = 1
	w := &fakeWorker{id: "agent-1"}
	postFinding(t, ws, q, sess.ID, "finding-1", 3, 2, "https://example.com/a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Review(context.Background(), sess, []Worker{w})
		}()
	}
	wg.Wait()

	// Every review ran to completion; the race detector guards the rest.
	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, 8, fc.calls)
}

func TestParseVerdictDefaultsToContinue(t *testing.T) {
	assert.Equal(t, VerdictContinue, parseVerdict("unknown"))
	assert.Equal(t, VerdictReplan, parseVerdict(" REPLAN "))
	assert.Equal(t, VerdictFinish, parseVerdict("finish"))
}
