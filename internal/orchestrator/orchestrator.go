package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"delver/internal/agent"
	"delver/internal/config"
	"delver/internal/events"
	"delver/internal/llm_client"
	"delver/internal/memory"
	"delver/internal/metrics"
	"delver/internal/model"
	"delver/internal/planner"
	"delver/internal/queue"
	"delver/internal/report"
	"delver/internal/supervisor"
	"delver/internal/tools"
	"delver/internal/workspace"
)

// ErrBudgetExceeded marks the iteration budget as the reason research
// stopped. It is a normal termination trigger, not a failure.
var ErrBudgetExceeded = errors.New("iteration budget exceeded")

// Orchestrator drives a research session through its stages. One value
// serves many sessions; all per-session state lives in the Session value
// and the workspace, so concurrent sessions don't cross-talk.
type Orchestrator struct {
	Provider  llm_client.Provider
	Tools     tools.Toolset
	Workspace *workspace.Workspace
	Memory    memory.Store
	Emitter   events.Emitter
	Log       *zap.Logger
	Config    *config.Config
}

func New(p llm_client.Provider, ts tools.Toolset, ws *workspace.Workspace, mem memory.Store, em events.Emitter, log *zap.Logger, cfg *config.Config) *Orchestrator {
	if em == nil {
		em = events.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Orchestrator{Provider: p, Tools: ts, Workspace: ws, Memory: mem, Emitter: em, Log: log, Config: cfg}
}

// run bundles the per-session moving parts.
type run struct {
	sess    *model.Session
	profile config.Profile
	queue   *queue.CompletionQueue
	sup     *supervisor.Supervisor
	plan    *planner.Planner
	agents  []*agent.Agent
	mem     []memory.Entry
	m       metrics.SessionMetrics
	// terminal guards the exactly-one final_report-or-error contract.
	terminal bool
}

// Research runs the full deep-research pipeline for one query and returns
// the final report. The caller observes progress through the emitter; the
// session always ends with final_report or error, then done.
func (o *Orchestrator) Research(ctx context.Context, query string, mode model.Mode) (model.FinalReport, error) {
	profile := o.Config.ProfileFor(mode)
	r := &run{
		sess: &model.Session{
			ID:                  "session-" + uuid.New().String()[:8],
			Query:               query,
			Mode:                mode,
			MaxIterations:       profile.MaxIterations,
			MaxConcurrentAgents: profile.MaxConcurrentAgents,
			Status:              model.SessionPlanning,
			StartedAt:           time.Now(),
		},
		profile: profile,
		queue:   queue.New(o.Config.QueueSize),
		plan:    &planner.Planner{Provider: o.Provider},
	}
	r.m = metrics.SessionMetrics{SessionID: r.sess.ID, Start: r.sess.StartedAt}

	r.sup = supervisor.New(o.Provider, o.Workspace, r.queue, o.Emitter, o.Log)
	r.sup.MinUniqueSources = profile.MinUniqueSources
	r.sup.ReviewBudget = o.Config.ReviewBudget

	if err := o.Workspace.CreateSession(ctx, r.sess); err != nil {
		return o.fail(ctx, r, err)
	}
	o.status(r, "starting research session")

	if err := o.searchMemory(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	if err := o.clarify(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	if err := o.planResearch(ctx, r, ""); err != nil {
		return o.fail(ctx, r, err)
	}
	if err := o.researchLoop(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	if err := o.compress(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	return o.generateReport(ctx, r)
}

// searchMemory pulls prior-session context; a second, wider pass runs when
// the first finds nothing strong (the deep-search stage).
func (o *Orchestrator) searchMemory(ctx context.Context, r *run) error {
	if o.Memory == nil {
		return nil
	}
	o.status(r, "searching memory for prior context")
	entries, err := o.Memory.Retrieve(ctx, r.sess.Query, o.Config.MemoryLimit)
	if err != nil {
		// Memory is an enhancement, not a dependency.
		o.Log.Warn("memory retrieval failed", zap.String("session", r.sess.ID), zap.Error(err))
		return nil
	}
	if len(entries) == 0 || entries[0].Score < 0.5 {
		deeper, err := o.Memory.Retrieve(ctx, r.sess.Query, o.Config.MemoryLimit*3)
		if err == nil && len(deeper) > len(entries) {
			entries = deeper
		}
	}
	r.mem = entries
	return nil
}

// clarify restates ambiguous queries with explicit assumptions. Speed mode
// skips it; the pipeline never blocks waiting for the user.
func (o *Orchestrator) clarify(ctx context.Context, r *run) error {
	if r.sess.Mode == model.ModeSpeed {
		return nil
	}
	c, err := r.plan.Clarify(ctx, r.sess.Query)
	if err != nil {
		o.Log.Warn("clarify failed, proceeding with raw query",
			zap.String("session", r.sess.ID), zap.Error(err))
		return nil
	}
	if c.Ambiguous {
		r.sess.Query = c.Restated
		o.Emitter.Emit(events.Event{
			SessionID: r.sess.ID,
			Kind:      events.KindPlanning,
			Message:   "query clarified: " + c.Restated,
			Payload:   c.Assumptions,
		})
	}
	return nil
}

func (o *Orchestrator) planResearch(ctx context.Context, r *run, feedback string) error {
	o.setStatus(ctx, r, model.SessionPlanning)
	o.status(r, "planning research topics")

	topics, err := r.plan.PlanTopics(ctx, r.sess.Query, r.mem, feedback, r.profile.MaxTopics)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	var doc strings.Builder
	doc.WriteString("QUERY: " + r.sess.Query + "\nTOPICS:\n")
	var queries []string
	for _, t := range topics {
		doc.WriteString(fmt.Sprintf("- [%s] %s: %s\n", t.Priority, t.Title, t.Description))
		queries = append(queries, t.Title)
	}
	if err := o.Workspace.AppendMain(ctx, r.sess.ID, doc.String()); err != nil {
		return err
	}

	o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindPlanning, Message: "research plan ready", Payload: topics})
	o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindSearchQueries, Payload: queries})

	o.spawnAgents(r, topics)
	return nil
}

// spawnAgents creates one agent per topic. On replan, new agents join the
// pool; exhausted ones simply have no pending work left.
func (o *Orchestrator) spawnAgents(r *run, topics []model.Topic) {
	for i, t := range topics {
		a := agent.New(agent.Params{
			SessionID:   r.sess.ID,
			Topic:       t,
			Persona:     agent.PersonaFor(len(r.agents) + i),
			MaxSteps:    r.profile.MaxAgentSteps,
			SearchLimit: r.profile.SearchResultsPerCall,
			Provider:    o.Provider,
			Tools:       o.Tools,
			Queue:       r.queue,
			Workspace:   o.Workspace,
			Emitter:     o.Emitter,
			Log:         o.Log,
		})
		r.agents = append(r.agents, a)
	}
	o.status(r, fmt.Sprintf("spawned %d agents", len(topics)))
}

// researchLoop alternates agent execution with supervisor review, bounded
// by the iteration budget. Reaching the bound forces finish regardless of
// what the supervisor would prefer.
func (o *Orchestrator) researchLoop(ctx context.Context, r *run) error {
	if err := o.setStatus(ctx, r, model.SessionRunning); err != nil {
		return err
	}

	for r.sess.Iteration < r.sess.MaxIterations {
		r.sess.Iteration++
		r.m.Iterations = r.sess.Iteration
		o.status(r, fmt.Sprintf("iteration %d/%d", r.sess.Iteration, r.sess.MaxIterations))

		if err := o.executeAgents(ctx, r); err != nil {
			return err
		}

		d := r.sup.Review(ctx, r.sess, workerView(r.agents))
		if err := o.autoDraft(ctx, r); err != nil {
			return err
		}

		switch d.Verdict {
		case supervisor.VerdictFinish:
			return nil
		case supervisor.VerdictReplan:
			if err := o.planResearch(ctx, r, d.Feedback); err != nil {
				return err
			}
			if err := o.setStatus(ctx, r, model.SessionRunning); err != nil {
				return err
			}
		case supervisor.VerdictContinue:
			if !anyPending(r.agents) {
				// Nothing left to do and no new directives: looping
				// again would only burn budget.
				return nil
			}
		}
	}
	o.status(r, ErrBudgetExceeded.Error()+", forcing finish")
	return nil
}

// executeAgents runs every agent with pending work under the concurrency
// cap and waits for all of them together, so the wall-clock cost is the
// slowest agent, not the sum.
func (o *Orchestrator) executeAgents(ctx context.Context, r *run) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.sess.MaxConcurrentAgents)
	for _, a := range r.agents {
		if !a.Pending() {
			continue
		}
		a := a
		g.Go(func() error { return a.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		// Agents only ever return cancellation; everything else degrades
		// inside the loop.
		return err
	}
	return ctx.Err()
}

// autoDraft keeps the draft report from starving: when the supervisor's
// synthesis hasn't produced enough content yet, raw findings are appended
// directly. Topics with new findings get a fresh digest each cycle; the
// draft merge rule keeps only the latest auto section per topic, so stale
// digests never surface on read-back.
func (o *Orchestrator) autoDraft(ctx context.Context, r *run) error {
	sections, err := o.Workspace.DraftSections(ctx, r.sess.ID)
	if err != nil {
		return err
	}
	supervisorChars := 0
	lastAuto := make(map[string]string) // topic -> content of its latest auto section
	for _, s := range sections {
		if s.Author == model.DraftBySupervisor {
			supervisorChars += len(s.Content)
		} else {
			lastAuto[s.Topic] = s.Content
		}
	}
	if supervisorChars >= r.profile.MinDraftChars/2 {
		return nil
	}
	findings, err := o.Workspace.Findings(ctx, r.sess.ID)
	if err != nil {
		return err
	}
	byTopic := make(map[string][]model.Finding)
	var order []string
	for _, f := range findings {
		if _, ok := byTopic[f.Topic]; !ok {
			order = append(order, f.Topic)
		}
		byTopic[f.Topic] = append(byTopic[f.Topic], f)
	}
	for _, topic := range order {
		digest := report.FindingsDigest(byTopic[topic])
		if digest == lastAuto[topic] {
			continue // no new findings for this topic
		}
		if err := o.Workspace.AppendDraft(ctx, r.sess.ID, model.DraftAuto, topic, digest); err != nil {
			return err
		}
	}
	return nil
}

// compress condenses accumulated findings into a compact knowledge document
// so report generation works from distilled material. Failure here only
// costs quality, never the session.
func (o *Orchestrator) compress(ctx context.Context, r *run) error {
	if err := o.setStatus(ctx, r, model.SessionCompressing); err != nil {
		return err
	}
	findings, err := o.Workspace.Findings(ctx, r.sess.ID)
	if err != nil {
		return err
	}
	r.m.Findings = len(findings)
	r.m.UniqueSources = countUniqueSources(findings)
	if len(findings) == 0 {
		return nil
	}

	prompt := "Condense these research findings into a compact knowledge summary. Keep every distinct fact and its source URL; remove repetition.\n\n" +
		report.FindingsDigest(findings)
	summary, err := o.Provider.Complete(ctx, prompt)
	if err != nil {
		o.Log.Warn("compression failed", zap.String("session", r.sess.ID), zap.Error(err))
		return nil
	}
	if err := o.Workspace.AppendDocument(ctx, r.sess.ID, "compressed", summary); err != nil {
		return err
	}
	o.Emitter.Emit(events.Event{
		SessionID: r.sess.ID,
		Kind:      events.KindCompression,
		Message:   fmt.Sprintf("compressed %d findings", len(findings)),
	})
	return nil
}

func (o *Orchestrator) generateReport(ctx context.Context, r *run) (model.FinalReport, error) {
	if err := o.setStatus(ctx, r, model.SessionReporting); err != nil {
		return o.fail(ctx, r, err)
	}
	o.status(r, "generating final report")

	synth := report.New(o.Provider, o.Workspace, o.Emitter, o.Log)
	rep, err := synth.Generate(ctx, r.sess, report.Thresholds{
		MinDraftChars:  r.profile.MinDraftChars,
		MinReportChars: r.profile.MinReportChars,
		MinSections:    r.profile.ReportMinSections,
		MinWords:       r.profile.ReportMinWords,
	})
	if err != nil {
		return o.fail(ctx, r, err)
	}

	if o.Memory != nil {
		if err := o.Memory.Save(ctx, r.sess.Query, rep.Text()); err != nil {
			o.Log.Warn("memory save failed", zap.String("session", r.sess.ID), zap.Error(err))
		}
	}

	r.sess.Status = model.SessionDone
	r.m.Succeeded = true
	r.m.Finalize()
	o.collectAgentMetrics(r)

	r.terminal = true
	o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindFinalReport, Message: rep.Title, Payload: rep})
	o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindDone, Payload: r.m})

	// Workspace artifacts are only cleaned up after the report made it out.
	if err := o.Workspace.DeleteSession(ctx, r.sess.ID); err != nil {
		o.Log.Warn("workspace cleanup failed", zap.String("session", r.sess.ID), zap.Error(err))
	}
	return rep, nil
}

// fail is the absorbing state: one error event, then done. Workspace
// artifacts are kept so partial findings stay retrievable.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) (model.FinalReport, error) {
	o.Log.Error("session failed", zap.String("session", r.sess.ID), zap.Error(err))
	r.sess.Status = model.SessionFailed
	r.m.Succeeded = false
	r.m.Finalize()
	o.collectAgentMetrics(r)

	// Best-effort writes; the context may already be cancelled. Findings
	// posted before the failure are backfilled into the draft, so a session
	// cancelled mid-iteration still leaves them readable there.
	bg := context.WithoutCancel(ctx)
	if derr := o.autoDraft(bg, r); derr != nil {
		o.Log.Warn("draft backfill failed", zap.String("session", r.sess.ID), zap.Error(derr))
	}
	_ = o.Workspace.SetSessionStatus(bg, r.sess.ID, model.SessionFailed)

	if !r.terminal {
		r.terminal = true
		o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindError, Message: err.Error()})
		o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindDone, Payload: r.m})
	}
	return model.FinalReport{}, err
}

func (o *Orchestrator) setStatus(ctx context.Context, r *run, st model.SessionStatus) error {
	r.sess.Status = st
	return o.Workspace.SetSessionStatus(ctx, r.sess.ID, st)
}

func (o *Orchestrator) status(r *run, msg string) {
	o.Emitter.Emit(events.Event{SessionID: r.sess.ID, Kind: events.KindStatus, Message: msg})
}

func (o *Orchestrator) collectAgentMetrics(r *run) {
	r.m.Agents = r.m.Agents[:0]
	for _, a := range r.agents {
		todos := a.Todos()
		done := 0
		for _, t := range todos {
			if t.Status == model.TodoDone {
				done++
			}
		}
		r.m.Agents = append(r.m.Agents, metrics.AgentMetrics{
			AgentID:  a.ID,
			Topic:    a.Topic.Title,
			Steps:    a.Steps(),
			Todos:    len(todos),
			Done:     done,
			Findings: a.FindingsCount(),
		})
	}
}

func workerView(agents []*agent.Agent) []supervisor.Worker {
	out := make([]supervisor.Worker, len(agents))
	for i, a := range agents {
		out[i] = a
	}
	return out
}

func anyPending(agents []*agent.Agent) bool {
	for _, a := range agents {
		if a.Pending() {
			return true
		}
	}
	return false
}

func countUniqueSources(findings []model.Finding) int {
	uniq := make(map[string]bool)
	for _, f := range findings {
		for _, u := range f.Sources {
			uniq[u] = true
		}
	}
	return len(uniq)
}
