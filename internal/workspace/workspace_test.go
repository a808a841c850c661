package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delver/internal/model"
)

func openTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newTestSession(t *testing.T, w *Workspace) *model.Session {
	t.Helper()
	s := &model.Session{
		ID:        "session-test1",
		Query:     "test query",
		Mode:      model.ModeBalanced,
		Status:    model.SessionPlanning,
		StartedAt: time.Now(),
	}
	require.NoError(t, w.CreateSession(context.Background(), s))
	return s
}

func TestAppendDocumentAccumulates(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AppendMain(ctx, s.ID, "first"))
	require.NoError(t, w.AppendMain(ctx, s.ID, "second"))

	got, err := w.ReadMain(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", got)
}

func TestReadMissingDocumentIsEmpty(t *testing.T) {
	w := openTestWorkspace(t)
	got, err := w.ReadDocument(context.Background(), "session-none", "main")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestAddFindingIsIdempotent(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	f := model.Finding{
		ID:         "finding-dup1",
		AgentID:    "agent-1",
		Topic:      "batteries",
		Summary:    "summary",
		Sources:    []string{"https://example.com/a"},
		Confidence: model.ConfidenceMedium,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, w.AddFinding(ctx, s.ID, f))
	require.NoError(t, w.AddFinding(ctx, s.ID, f)) // redelivery

	got, err := w.Findings(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, []string{"https://example.com/a"}, got[0].Sources)
}

func TestSharedNotesExcludesPrivate(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AddNote(ctx, s.ID, model.Note{AgentID: "agent-1", Title: "private", CreatedAt: time.Now()}))
	require.NoError(t, w.AddNote(ctx, s.ID, model.Note{AgentID: "agent-2", Title: "shared", Shared: true, CreatedAt: time.Now()}))

	notes, err := w.SharedNotes(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "shared", notes[0].Title)
}

func TestDraftSupervisorSectionSupersedesAuto(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "batteries", "raw finding dump"))
	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "charging", "charging notes"))
	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftBySupervisor, "batteries", "synthesized battery section"))

	draft, err := w.Draft(ctx, s.ID)
	require.NoError(t, err)
	assert.NotContains(t, draft, "raw finding dump")
	assert.Contains(t, draft, "charging notes")
	assert.Contains(t, draft, "synthesized battery section")
}

func TestDraftLatestAutoSectionWinsPerTopic(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "batteries", "first-iteration digest"))
	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "batteries", "refreshed digest with new findings"))

	draft, err := w.Draft(ctx, s.ID)
	require.NoError(t, err)
	assert.NotContains(t, draft, "first-iteration digest")
	assert.Contains(t, draft, "refreshed digest with new findings")
}

func TestDraftKeepsAutoSectionsAfterSupervisor(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftBySupervisor, "batteries", "early synthesis"))
	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "batteries", "later auto addition"))

	draft, err := w.Draft(ctx, s.ID)
	require.NoError(t, err)
	// The supervisor section came first, so the later auto section stands.
	assert.Contains(t, draft, "early synthesis")
	assert.Contains(t, draft, "later auto addition")
}

func TestSaveAgentDocUpserts(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	todos := []model.Todo{{ID: "todo-1", Title: "investigate", Status: model.TodoPending}}
	require.NoError(t, w.SaveAgentDoc(ctx, s.ID, "agent-1", "batteries", "analyst", todos))

	todos[0].Status = model.TodoDone
	require.NoError(t, w.SaveAgentDoc(ctx, s.ID, "agent-1", "batteries", "analyst", todos))
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	w := openTestWorkspace(t)
	s := newTestSession(t, w)
	ctx := context.Background()

	require.NoError(t, w.AppendMain(ctx, s.ID, "plan"))
	require.NoError(t, w.AddNote(ctx, s.ID, model.Note{AgentID: "agent-1", Title: "n", Shared: true, CreatedAt: time.Now()}))
	require.NoError(t, w.AddFinding(ctx, s.ID, model.Finding{ID: "finding-1", AgentID: "agent-1", CreatedAt: time.Now()}))
	require.NoError(t, w.AppendDraft(ctx, s.ID, model.DraftAuto, "t", "c"))

	require.NoError(t, w.DeleteSession(ctx, s.ID))

	doc, err := w.ReadMain(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, doc)

	findings, err := w.Findings(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)

	notes, err := w.SharedNotes(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	draft, err := w.Draft(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, draft)
}
