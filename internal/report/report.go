package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"delver/internal/events"
	"delver/internal/llm_client"
	"delver/internal/model"
	"delver/internal/workspace"
)

// Thresholds scale the final report by mode.
type Thresholds struct {
	MinDraftChars  int
	MinReportChars int
	MinSections    int
	MinWords       int
}

// Synthesizer turns the accumulated session workspace into a validated
// final report. It guarantees a session never ends with no output: every
// failure falls through to a more literal rendering of what was gathered.
type Synthesizer struct {
	Provider  llm_client.JSONCompleter
	Workspace *workspace.Workspace
	Emitter   events.Emitter
	Log       *zap.Logger
}

func New(p llm_client.JSONCompleter, ws *workspace.Workspace, em events.Emitter, log *zap.Logger) *Synthesizer {
	if em == nil {
		em = events.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{Provider: p, Workspace: ws, Emitter: em, Log: log}
}

var reportSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":             map[string]any{"type": "string"},
		"executive_summary": map[string]any{"type": "string"},
		"sections": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"heading": map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"heading", "content"},
			},
		},
		"conclusion":       map[string]any{"type": "string"},
		"sources":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"confidence_level": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
	},
	"required": []string{"title", "executive_summary", "sections", "conclusion"},
}

// Generate produces the final report. Input priority: the draft report if it
// carries enough content, otherwise a full no-truncation digest of every
// finding; the session main document rides along as context either way.
func (s *Synthesizer) Generate(ctx context.Context, sess *model.Session, th Thresholds) (model.FinalReport, error) {
	draft, err := s.Workspace.Draft(ctx, sess.ID)
	if err != nil {
		return model.FinalReport{}, fmt.Errorf("read draft: %w", err)
	}
	findings, err := s.Workspace.Findings(ctx, sess.ID)
	if err != nil {
		return model.FinalReport{}, fmt.Errorf("read findings: %w", err)
	}
	mainDoc, _ := s.Workspace.ReadMain(ctx, sess.ID)

	material := draft
	usedDigest := false
	if len(strings.TrimSpace(draft)) < th.MinDraftChars {
		material = FindingsDigest(findings)
		usedDigest = true
		s.Log.Info("draft below threshold, synthesizing from findings",
			zap.String("session", sess.ID),
			zap.Int("draft_chars", len(draft)))
	}

	out, err := llm_client.CompleteJSONRetry(ctx, s.Provider,
		buildReportPrompt(sess, material, mainDoc, th), reportSchema)
	if err != nil {
		s.Log.Warn("structured report failed, emitting verbatim fallback",
			zap.String("session", sess.ID), zap.Error(err))
		return s.verbatimFallback(sess, draft, findings, usedDigest), nil
	}

	var r model.FinalReport
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		s.Log.Warn("report parse failed, emitting verbatim fallback",
			zap.String("session", sess.ID), zap.Error(err))
		return s.verbatimFallback(sess, draft, findings, usedDigest), nil
	}

	// Merge every finding source in: the model must not silently drop any.
	r.Sources = mergeSources(r.Sources, findings)
	if r.ConfidenceLevel == "" {
		r.ConfidenceLevel = overallConfidence(findings)
	}
	if len(r.Text()) < th.MinReportChars {
		r.Degraded = true
	}

	s.emitChunks(sess, r)
	return r, nil
}

func buildReportPrompt(sess *model.Session, material, mainDoc string, th Thresholds) string {
	var sb strings.Builder
	sb.WriteString("Write the final research report for this session.\n\n")
	sb.WriteString(fmt.Sprintf("QUERY: %s\n\n", sess.Query))
	if mainDoc != "" {
		sb.WriteString("SESSION PLAN (context):\n")
		sb.WriteString(mainDoc)
		sb.WriteString("\n\n")
	}
	sb.WriteString("RESEARCH MATERIAL (use all of it, do not invent beyond it):\n")
	sb.WriteString(material)
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("REQUIREMENTS:\n- At least %d sections and %d words in total.\n", th.MinSections, th.MinWords))
	sb.WriteString("- Cite source URLs inline where claims come from, and list all of them in sources.\n")
	sb.WriteString("- Be explicit about disagreements between sources and about confidence.\n")
	return sb.String()
}

// verbatimFallback emits the gathered material unchanged with an
// explanatory header when no structured report could be produced.
func (s *Synthesizer) verbatimFallback(sess *model.Session, draft string, findings []model.Finding, usedDigest bool) model.FinalReport {
	body := draft
	if usedDigest || strings.TrimSpace(body) == "" {
		body = FindingsDigest(findings)
	}
	r := model.FinalReport{
		Title:            "Research notes: " + sess.Query,
		ExecutiveSummary: "Report generation failed; the raw research material gathered during this session is reproduced below unchanged.",
		Sections:         []model.ReportSection{{Heading: "Gathered material", Content: body}},
		Sources:          mergeSources(nil, findings),
		ConfidenceLevel:  model.ConfidenceLow,
		Degraded:         true,
	}
	s.emitChunks(sess, r)
	return r
}

// FindingsDigest concatenates every finding without truncation: each
// summary, key finding and source appears verbatim.
func FindingsDigest(findings []model.Finding) string {
	var sb strings.Builder
	for _, f := range findings {
		sb.WriteString(fmt.Sprintf("### %s (%s, confidence %s)\n", f.Topic, f.AgentID, f.Confidence))
		sb.WriteString(f.Summary)
		sb.WriteString("\n")
		for _, kf := range f.KeyFindings {
			sb.WriteString("- " + kf + "\n")
		}
		for _, u := range f.Sources {
			sb.WriteString("source: " + u + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func mergeSources(base []string, findings []model.Finding) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, u := range base {
		add(u)
	}
	for _, f := range findings {
		for _, u := range f.Sources {
			add(u)
		}
	}
	return out
}

func overallConfidence(findings []model.Finding) model.Confidence {
	if len(findings) == 0 {
		return model.ConfidenceLow
	}
	counts := map[model.Confidence]int{}
	for _, f := range findings {
		counts[f.Confidence]++
	}
	switch {
	case counts[model.ConfidenceHigh]*2 >= len(findings):
		return model.ConfidenceHigh
	case counts[model.ConfidenceLow]*2 > len(findings):
		return model.ConfidenceLow
	default:
		return model.ConfidenceMedium
	}
}

func (s *Synthesizer) emitChunks(sess *model.Session, r model.FinalReport) {
	s.Emitter.Emit(events.Event{
		SessionID: sess.ID,
		Kind:      events.KindReportChunk,
		Message:   r.Title,
		Payload:   r.ExecutiveSummary,
	})
	for _, sec := range r.Sections {
		s.Emitter.Emit(events.Event{
			SessionID: sess.ID,
			Kind:      events.KindReportChunk,
			Message:   sec.Heading,
			Payload:   sec.Content,
		})
	}
}
