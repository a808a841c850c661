package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"delver/internal/events"
	"delver/internal/llm_client"
	"delver/internal/model"
	"delver/internal/queue"
	"delver/internal/workspace"
)

// Verdict is what a review cycle tells the orchestrator to do next.
type Verdict string

const (
	VerdictContinue Verdict = "continue"
	VerdictReplan   Verdict = "replan"
	VerdictFinish   Verdict = "finish"
)

// Decision is the outcome of one review cycle.
type Decision struct {
	Verdict  Verdict
	Feedback string // replan feedback for the planner
	Reason   string
}

// Worker is the supervisor's view of a running agent: enough to read its
// todo list and to steer it. Satisfied by *agent.Agent.
type Worker interface {
	AgentID() string
	Deliver(model.Directive)
	Todos() []model.Todo
}

// Supervisor reviews agent progress in batches and steers the session. Its
// read → evaluate → write → decide sequence depends on everything it decided
// before, so reviews are strictly sequential: mu makes overlapping calls
// impossible, per session.
type Supervisor struct {
	Provider  llm_client.JSONCompleter
	Workspace *workspace.Workspace
	Queue     *queue.CompletionQueue
	Emitter   events.Emitter
	Log       *zap.Logger

	MinUniqueSources int
	ReviewBudget     int // tolerated review failures before forcing finish

	mu       sync.Mutex
	seen     map[string]bool // finding IDs already reviewed (redelivery guard)
	failures int
}

func New(p llm_client.JSONCompleter, ws *workspace.Workspace, q *queue.CompletionQueue, em events.Emitter, log *zap.Logger) *Supervisor {
	if em == nil {
		em = events.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		Provider:         p,
		Workspace:        ws,
		Queue:            q,
		Emitter:          em,
		Log:              log,
		MinUniqueSources: 8,
		ReviewBudget:     2,
		seen:             make(map[string]bool),
	}
}

// Review runs one review cycle: drain the queue, evaluate depth, steer
// agents, append synthesis to the draft and decide how to proceed. A review
// failure degrades to continue until the retry budget is spent, then forces
// finish; a broken supervisor must never hang a session.
func (s *Supervisor) Review(ctx context.Context, sess *model.Session, workers []Worker) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.Queue.DrainBatch()
	fresh := make([]model.CompletionEvent, 0, len(batch))
	for _, ev := range batch {
		if s.seen[ev.Finding.ID] {
			continue // redelivered
		}
		s.seen[ev.Finding.ID] = true
		fresh = append(fresh, ev)
	}

	findings, err := s.Workspace.Findings(ctx, sess.ID)
	if err != nil {
		return s.failed(sess, fmt.Errorf("read findings: %w", err))
	}
	mainDoc, err := s.Workspace.ReadMain(ctx, sess.ID)
	if err != nil {
		return s.failed(sess, fmt.Errorf("read main document: %w", err))
	}

	depth := s.assessDepth(findings, fresh)

	rv, err := s.callReview(ctx, sess, workers, findings, fresh, mainDoc, depth)
	if err != nil {
		return s.failed(sess, err)
	}

	s.steer(workers, depth, rv)

	for _, sec := range rv.Synthesis {
		if strings.TrimSpace(sec.Content) == "" {
			continue
		}
		if err := s.Workspace.AppendDraft(ctx, sess.ID, model.DraftBySupervisor, sec.Topic, sec.Content); err != nil {
			return s.failed(sess, fmt.Errorf("append synthesis: %w", err))
		}
	}

	d := Decision{Verdict: parseVerdict(rv.Decision), Feedback: rv.Feedback, Reason: rv.Assessment}
	// The depth heuristic is deterministic and overrides an optimistic
	// model: insufficient depth can not finish.
	if d.Verdict == VerdictFinish && !depth.sufficient {
		d.Verdict = VerdictContinue
		d.Reason = "depth heuristic: " + depth.reason
	}

	s.emitDecision(sess, d)
	return d
}

// failed implements the SupervisorError policy: default to continue with a
// retry budget; repeated failure forces finish.
func (s *Supervisor) failed(sess *model.Session, err error) Decision {
	s.failures++
	s.Log.Warn("review cycle failed",
		zap.String("session", sess.ID),
		zap.Int("failures", s.failures),
		zap.Error(err))
	d := Decision{Verdict: VerdictContinue, Reason: "review failed: " + err.Error()}
	if s.failures > s.ReviewBudget {
		d.Verdict = VerdictFinish
		d.Reason = "review failed repeatedly, forcing finish"
	}
	s.emitDecision(sess, d)
	return d
}

type depthAssessment struct {
	sufficient    bool
	reason        string
	uniqueSources int
	shallowAgents []string // agents whose fresh results were thin or unverified
}

// assessDepth applies the deterministic part of the review: a session is not
// deep enough while it has fewer unique sources than configured, or while
// any agent finished a todo on one search and at most one scrape with no
// cross-verification, or delivered a finding with no substance.
func (s *Supervisor) assessDepth(findings []model.Finding, fresh []model.CompletionEvent) depthAssessment {
	uniq := make(map[string]bool)
	for _, f := range findings {
		for _, u := range f.Sources {
			uniq[u] = true
		}
	}

	var shallow []string
	for _, ev := range fresh {
		f := ev.Finding
		if !f.Substantive() || (f.Searches <= 1 && f.Scrapes <= 1) {
			shallow = append(shallow, ev.AgentID)
		}
	}

	a := depthAssessment{uniqueSources: len(uniq), shallowAgents: shallow}
	switch {
	case len(uniq) < s.MinUniqueSources:
		a.reason = fmt.Sprintf("only %d unique sources, need %d", len(uniq), s.MinUniqueSources)
	case len(shallow) > 0:
		a.reason = fmt.Sprintf("%d agent(s) delivered thin or unverified results", len(shallow))
	default:
		a.sufficient = true
		a.reason = "coverage and verification thresholds met"
	}
	return a
}

// steer delivers directives: model-suggested todos plus deterministic
// cross-verification todos for shallow agents.
func (s *Supervisor) steer(workers []Worker, depth depthAssessment, rv reviewResult) {
	byID := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byID[w.AgentID()] = w
	}

	for _, nt := range rv.NewTodos {
		w, ok := byID[nt.AgentID]
		if !ok {
			continue
		}
		w.Deliver(model.Directive{
			TargetAgentID: nt.AgentID,
			Kind:          model.DirectiveNewTodo,
			Todo: &model.Todo{
				Title:          nt.Title,
				Objective:      nt.Objective,
				ExpectedOutput: nt.ExpectedOutput,
				Priority:       model.ParsePriority(nt.Priority),
			},
			Reason: nt.Reason,
		})
	}

	verified := make(map[string]bool)
	for _, nt := range rv.NewTodos {
		verified[nt.AgentID] = true
	}
	for _, id := range depth.shallowAgents {
		w, ok := byID[id]
		if !ok || verified[id] {
			continue // model already redirected this agent
		}
		w.Deliver(model.Directive{
			TargetAgentID: id,
			Kind:          model.DirectiveNewTodo,
			Todo: &model.Todo{
				Title:          "Cross-verify previous result",
				Objective:      "The previous task produced a thin or unverified result. Verify its claims against at least two additional independent sources, and note any disagreement.",
				ExpectedOutput: "Confirmation or correction of the earlier finding, with sources",
				Priority:       model.PriorityHigh,
			},
			Reason: "thin result needs verification",
		})
	}
}

func (s *Supervisor) emitDecision(sess *model.Session, d Decision) {
	s.Emitter.Emit(events.Event{
		SessionID: sess.ID,
		Kind:      events.KindSupervisorDecision,
		Message:   string(d.Verdict),
		Payload:   d,
	})
}

func parseVerdict(s string) Verdict {
	switch Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case VerdictReplan:
		return VerdictReplan
	case VerdictFinish:
		return VerdictFinish
	default:
		return VerdictContinue
	}
}
