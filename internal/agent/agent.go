package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"delver/internal/events"
	"delver/internal/llm_client"
	"delver/internal/model"
	"delver/internal/queue"
	"delver/internal/tools"
	"delver/internal/workspace"
)

// stepState is the explicit per-step machine: every step moves
// deciding → acting → observing, and a todo ends in done.
type stepState int

const (
	stateDeciding stepState = iota
	stateActing
	stateObserving
	stateDone
)

// Agent is one investigative worker bound to a topic. It owns its execution
// loop exclusively; the todo list and the directive mailbox are the only
// state another component (the supervisor) touches, and both sit behind mu.
type Agent struct {
	ID          string
	SessionID   string
	Topic       model.Topic
	Persona     string
	MaxSteps    int
	SearchLimit int

	Provider  llm_client.JSONCompleter
	Tools     tools.Toolset
	Queue     *queue.CompletionQueue
	Workspace *workspace.Workspace
	Emitter   events.Emitter
	Log       *zap.Logger

	mu         sync.Mutex
	todos      []model.Todo
	directives []model.Directive
	findings   []model.Finding
	steps      int
	terminated bool
}

type Params struct {
	SessionID   string
	Topic       model.Topic
	Persona     string
	MaxSteps    int
	SearchLimit int
	Provider    llm_client.JSONCompleter
	Tools       tools.Toolset
	Queue       *queue.CompletionQueue
	Workspace   *workspace.Workspace
	Emitter     events.Emitter
	Log         *zap.Logger
}

func New(p Params) *Agent {
	a := &Agent{
		ID:          "agent-" + uuid.New().String()[:8],
		SessionID:   p.SessionID,
		Topic:       p.Topic,
		Persona:     p.Persona,
		MaxSteps:    p.MaxSteps,
		SearchLimit: p.SearchLimit,
		Provider:    p.Provider,
		Tools:       p.Tools,
		Queue:       p.Queue,
		Workspace:   p.Workspace,
		Emitter:     p.Emitter,
		Log:         p.Log,
	}
	if a.MaxSteps <= 0 {
		a.MaxSteps = 10
	}
	if a.Emitter == nil {
		a.Emitter = events.Nop
	}
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	a.todos = seedTodos(p.Topic)
	return a
}

// seedTodos derives the initial todo list from the topic. Deterministic on
// purpose: the reasoning loop refines direction step by step, and the
// supervisor adds depth-driven todos later.
func seedTodos(topic model.Topic) []model.Todo {
	return []model.Todo{{
		ID:             "todo-" + uuid.New().String()[:8],
		Title:          "Investigate: " + topic.Title,
		Objective:      topic.Description,
		ExpectedOutput: fmt.Sprintf("A verified summary with key findings backed by ~%d sources", topic.EstimatedSources),
		Priority:       topic.Priority,
		Status:         model.TodoPending,
		CreatedBy:      model.TodoBySelf,
	}}
}

// AgentID returns the agent's identifier.
func (a *Agent) AgentID() string { return a.ID }

// Deliver puts a directive into the agent's mailbox. It is applied at the
// start of the agent's next step.
func (a *Agent) Deliver(d model.Directive) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directives = append(a.directives, d)
}

// Todos returns a copy of the todo list.
func (a *Agent) Todos() []model.Todo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Todo, len(a.todos))
	copy(out, a.todos)
	return out
}

// InProgress counts todos currently marked in_progress. The loop keeps this
// at most 1 at any instant.
func (a *Agent) InProgress() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.todos {
		if t.Status == model.TodoInProgress {
			n++
		}
	}
	return n
}

func (a *Agent) stepCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.steps
}

// Steps returns how many reasoning steps the agent has used.
func (a *Agent) Steps() int { return a.stepCount() }

// FindingsCount returns how many findings the agent has produced.
func (a *Agent) FindingsCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.findings)
}

// Pending reports whether the agent still has runnable work: pending todos,
// unapplied directives, and budget left.
func (a *Agent) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated || a.steps >= a.MaxSteps {
		return false
	}
	if len(a.directives) > 0 {
		return true
	}
	for _, t := range a.todos {
		if t.Status == model.TodoPending || t.Status == model.TodoInProgress {
			return true
		}
	}
	return false
}

func (a *Agent) findingsSoFar() []model.Finding {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Finding, len(a.findings))
	copy(out, a.findings)
	return out
}

func (a *Agent) isTerminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

// applyDirectives drains the mailbox. Returns false when a terminate
// directive asks for immediate exit.
func (a *Agent) applyDirectives() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.directives {
		switch d.Kind {
		case model.DirectiveTerminate:
			a.terminated = true
		case model.DirectiveNewTodo:
			if d.Todo != nil {
				todo := *d.Todo
				if todo.ID == "" {
					todo.ID = "todo-" + uuid.New().String()[:8]
				}
				todo.Status = model.TodoPending
				todo.CreatedBy = model.TodoBySupervisor
				a.todos = append(a.todos, todo)
			}
		case model.DirectiveReprioritize:
			for i := range a.todos {
				if a.todos[i].ID == d.TodoID {
					a.todos[i].Priority = d.Priority
				}
			}
		}
	}
	a.directives = a.directives[:0]
	a.sortPendingLocked()
	return !a.terminated
}

// sortPendingLocked keeps pending todos in priority order without touching
// relative order within a priority class.
func (a *Agent) sortPendingLocked() {
	sort.SliceStable(a.todos, func(i, j int) bool {
		ti, tj := a.todos[i], a.todos[j]
		if (ti.Status == model.TodoPending) != (tj.Status == model.TodoPending) {
			return tj.Status != model.TodoPending && ti.Status == model.TodoPending
		}
		return ti.Priority.Rank() < tj.Priority.Rank()
	})
}

// nextTodo picks the highest-priority pending todo and marks it
// in_progress. One at a time, never interleaved.
func (a *Agent) nextTodo() (model.Todo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.todos {
		if a.todos[i].Status == model.TodoPending {
			a.todos[i].Status = model.TodoInProgress
			return a.todos[i], true
		}
	}
	return model.Todo{}, false
}

func (a *Agent) completeTodo(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.todos {
		if a.todos[i].ID == id {
			a.todos[i].Status = model.TodoDone
		}
	}
}

// Run works through the todo list until it is empty, the step budget is
// exhausted, a terminate directive arrives or the context is cancelled.
// Tool and completion failures never escape: they degrade into
// low-confidence findings and the loop moves on.
func (a *Agent) Run(ctx context.Context) error {
	a.Log.Info("agent started",
		zap.String("agent", a.ID),
		zap.String("topic", a.Topic.Title))

	if err := a.persistDoc(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !a.applyDirectives() {
			a.Log.Info("agent terminated by supervisor", zap.String("agent", a.ID))
			return nil
		}
		if a.stepCount() >= a.MaxSteps {
			return nil
		}
		todo, ok := a.nextTodo()
		if !ok {
			return nil
		}
		a.emitTodo(todo, "started")

		finding, err := a.runTodo(ctx, todo)
		if err != nil {
			// Only cancellation aborts; everything else degraded already.
			return err
		}

		a.completeTodo(todo.ID)
		a.emitTodo(todo, "done")
		if err := a.persistDoc(ctx); err != nil {
			return err
		}
		a.post(ctx, finding)
	}
}

// runTodo drives the deciding → acting → observing machine for one todo.
func (a *Agent) runTodo(ctx context.Context, todo model.Todo) (model.Finding, error) {
	var (
		state   = stateDeciding
		lastObs string
		dec     decision
		srcs    = newSourceSet()
		texts   []string // information-bearing observation fragments
		scrapes int
		search  int
	)

	for state != stateDone {
		if ctx.Err() != nil {
			return model.Finding{}, ctx.Err()
		}
		if !a.applyDirectives() {
			// Terminated mid-todo: salvage what we have.
			return a.buildFinding(todo, dec, srcs, texts, search, scrapes, model.ConfidenceLow, "terminated by supervisor"), nil
		}

		switch state {
		case stateDeciding:
			a.mu.Lock()
			budgetLeft := a.steps < a.MaxSteps
			if budgetLeft {
				a.steps++
			}
			a.mu.Unlock()
			if !budgetLeft {
				return a.buildFinding(todo, dec, srcs, texts, search, scrapes, model.ConfidenceLow, "step budget exhausted"), nil
			}

			notes, _ := a.Workspace.SharedNotes(ctx, a.SessionID)
			var err error
			dec, err = a.decide(ctx, todo, lastObs, notes)
			if err != nil {
				a.Log.Warn("decision failed, degrading",
					zap.String("agent", a.ID), zap.Error(err))
				return a.buildFinding(todo, dec, srcs, texts, search, scrapes, model.ConfidenceLow, "completion failure: "+err.Error()), nil
			}
			state = stateActing

		case stateActing:
			switch dec.Action {
			case ActionFinish:
				state = stateDone
				continue
			case ActionNote:
				a.writeNote(ctx, dec)
				lastObs = "Note recorded: " + dec.Args.NoteTitle
				state = stateDeciding
				continue
			case ActionSearch, ActionScrape:
				state = stateObserving
			}

		case stateObserving:
			obs := tools.RunCalls(ctx, a.Tools, a.callsFor(dec))
			var sb strings.Builder
			for _, o := range obs {
				switch o.Call.Kind {
				case "search":
					search++
				case "scrape":
					scrapes++
				}
				frag := a.observe(o, srcs)
				if frag != "" {
					sb.WriteString(frag)
					sb.WriteString("\n")
					texts = append(texts, frag)
				}
			}
			lastObs = strings.TrimSpace(sb.String())
			if lastObs == "" {
				lastObs = "All tool calls of this step failed or returned nothing useful. Try a different angle."
			}
			state = stateDeciding
		}
	}

	conf := confidenceFor(dec, search, scrapes)
	return a.buildFinding(todo, dec, srcs, texts, search, scrapes, conf, ""), nil
}

// observe renders one tool observation into a prompt fragment and records
// sources. Empty and metadata-only results yield "" and are filtered out.
func (a *Agent) observe(o tools.Observation, srcs *sourceSet) string {
	if o.Err != nil {
		a.Log.Warn("tool call failed",
			zap.String("agent", a.ID),
			zap.String("kind", o.Call.Kind),
			zap.Error(o.Err))
		return ""
	}
	switch o.Call.Kind {
	case "search":
		if len(o.Results) == 0 {
			return ""
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("SEARCH %q:\n", o.Call.Query))
		for _, r := range o.Results {
			sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", r.Title, r.URL, r.Snippet))
			a.emitSource(r.URL, r.Title)
		}
		return sb.String()
	case "scrape":
		if strings.TrimSpace(o.Page.Content) == "" {
			return ""
		}
		srcs.add(o.Page.URL)
		a.emitSource(o.Page.URL, o.Page.Title)
		return fmt.Sprintf("PAGE %s (%s):\n%s\n", o.Page.Title, o.Page.URL, o.Page.Content)
	}
	return ""
}

func (a *Agent) writeNote(ctx context.Context, dec decision) {
	n := model.Note{
		AgentID:   a.ID,
		Title:     dec.Args.NoteTitle,
		Summary:   dec.Args.NoteSummary,
		URLs:      dec.Args.NoteURLs,
		Shared:    dec.Args.NoteShared,
		CreatedAt: time.Now(),
	}
	if n.Title == "" {
		n.Title = "note"
	}
	if err := a.Workspace.AddNote(ctx, a.SessionID, n); err != nil {
		a.Log.Warn("note write failed", zap.String("agent", a.ID), zap.Error(err))
		return
	}
	a.Emitter.Emit(events.Event{
		SessionID: a.SessionID,
		Kind:      events.KindAgentNote,
		AgentID:   a.ID,
		Message:   n.Title,
		Payload:   n,
	})
}

// buildFinding assembles the finding for a finished (or degraded) todo.
func (a *Agent) buildFinding(todo model.Todo, dec decision, srcs *sourceSet, texts []string, searches, scrapes int, conf model.Confidence, degradedReason string) model.Finding {
	summary := strings.TrimSpace(dec.Args.Summary)
	if summary == "" {
		summary = fallbackSummary(todo, texts, degradedReason)
	}
	f := model.Finding{
		ID:          "finding-" + uuid.New().String()[:8],
		AgentID:     a.ID,
		Topic:       a.Topic.Title,
		Summary:     summary,
		KeyFindings: dec.Args.KeyFindings,
		Sources:     srcs.list(),
		Confidence:  conf,
		Searches:    searches,
		Scrapes:     scrapes,
		CreatedAt:   time.Now(),
	}
	a.mu.Lock()
	a.findings = append(a.findings, f)
	a.mu.Unlock()
	return f
}

// post persists the finding and hands it to the supervisor's queue. The
// workspace write happens first so findings posted before a cancellation
// stay retrievable.
func (a *Agent) post(ctx context.Context, f model.Finding) {
	if err := a.Workspace.AddFinding(ctx, a.SessionID, f); err != nil {
		a.Log.Error("finding persist failed", zap.String("agent", a.ID), zap.Error(err))
	}
	note := model.Note{
		AgentID:   a.ID,
		Title:     "finding: " + f.Topic,
		Summary:   f.Summary,
		URLs:      f.Sources,
		CreatedAt: f.CreatedAt,
	}
	if err := a.Workspace.AddNote(ctx, a.SessionID, note); err != nil {
		a.Log.Warn("finding note failed", zap.String("agent", a.ID), zap.Error(err))
	}
	a.Emitter.Emit(events.Event{
		SessionID: a.SessionID,
		Kind:      events.KindFinding,
		AgentID:   a.ID,
		Message:   f.Summary,
		Payload:   f,
	})
	a.Queue.Post(model.CompletionEvent{AgentID: a.ID, Finding: f, PostedAt: time.Now()})
}

func (a *Agent) persistDoc(ctx context.Context) error {
	return a.Workspace.SaveAgentDoc(ctx, a.SessionID, a.ID, a.Topic.Title, a.Persona, a.Todos())
}

func (a *Agent) emitTodo(todo model.Todo, change string) {
	a.Emitter.Emit(events.Event{
		SessionID: a.SessionID,
		Kind:      events.KindAgentTodo,
		AgentID:   a.ID,
		Message:   fmt.Sprintf("%s: %s", change, todo.Title),
		Payload:   a.Todos(),
	})
}

func (a *Agent) emitSource(url, title string) {
	if url == "" {
		return
	}
	a.Emitter.Emit(events.Event{
		SessionID: a.SessionID,
		Kind:      events.KindSourceFound,
		AgentID:   a.ID,
		Message:   title,
		Payload:   url,
	})
}

func confidenceFor(dec decision, searches, scrapes int) model.Confidence {
	if c := model.Confidence(dec.Args.Confidence); c == model.ConfidenceLow || c == model.ConfidenceMedium || c == model.ConfidenceHigh {
		// Trust the model's self-assessment but cap unverified work.
		if c == model.ConfidenceHigh && scrapes < 2 {
			return model.ConfidenceMedium
		}
		return c
	}
	switch {
	case scrapes >= 2 && searches >= 1:
		return model.ConfidenceHigh
	case scrapes >= 1:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func fallbackSummary(todo model.Todo, texts []string, degradedReason string) string {
	if len(texts) > 0 {
		// First information-bearing fragment, clamped.
		s := texts[0]
		if len(s) > 400 {
			s = s[:400]
		}
		return fmt.Sprintf("Partial result for %q: %s", todo.Title, s)
	}
	if degradedReason != "" {
		return fmt.Sprintf("No usable information gathered for %q (%s)", todo.Title, degradedReason)
	}
	return fmt.Sprintf("No usable information gathered for %q", todo.Title)
}

// sourceSet keeps unique source URLs in first-seen order.
type sourceSet struct {
	seen map[string]bool
	urls []string
}

func newSourceSet() *sourceSet {
	return &sourceSet{seen: make(map[string]bool)}
}

func (s *sourceSet) add(url string) {
	if url == "" || s.seen[url] {
		return
	}
	s.seen[url] = true
	s.urls = append(s.urls, url)
}

func (s *sourceSet) list() []string { return s.urls }
