package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"delver/internal/model"
)

// Workspace is the durable document store for running sessions: a main
// index document, one document per agent, a shared pool of notes, the
// finding list and the append-only draft report. It is the only resource
// mutated by more than one component, so every write here is a single
// sqlite statement.
type Workspace struct {
	db *sql.DB
}

func Open(dataDir string) (*Workspace, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	// WAL so agent writers don't starve readers; busy_timeout so writers
	// retry instead of surfacing SQLITE_BUSY. The pragmas live in the DSN
	// so they apply to every connection the pool opens.
	dsn := "file:" + filepath.Join(dataDir, "workspace.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	w := &Workspace{db: db}
	if err := w.migrate(); err != nil {
		return nil, fmt.Errorf("migrate workspace: %w", err)
	}
	return w, nil
}

func (w *Workspace) Close() error { return w.db.Close() }

func (w *Workspace) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_docs (
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			persona TEXT NOT NULL DEFAULT '',
			todos TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			urls TEXT NOT NULL DEFAULT '[]',
			shared INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL,
			key_findings TEXT NOT NULL DEFAULT '[]',
			sources TEXT NOT NULL DEFAULT '[]',
			confidence TEXT NOT NULL,
			searches INTEGER NOT NULL DEFAULT 0,
			scrapes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS draft_sections (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			author TEXT NOT NULL,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
	}
	for _, s := range stmts {
		if _, err := w.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO sessions (id, query, mode, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Query, string(s.Mode), string(s.Status), s.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (w *Workspace) SetSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, string(status), sessionID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

const mainDocument = "main"

// AppendDocument appends to a named session document, creating it on first
// write. Documents are append-friendly by design; nothing rewrites them.
func (w *Workspace) AppendDocument(ctx context.Context, sessionID, name, content string) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO documents (session_id, name, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, name)
		DO UPDATE SET content = content || char(10) || excluded.content, updated_at = excluded.updated_at`,
		sessionID, name, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append document %s: %w", name, err)
	}
	return nil
}

func (w *Workspace) ReadDocument(ctx context.Context, sessionID, name string) (string, error) {
	var content string
	err := w.db.QueryRowContext(ctx,
		`SELECT content FROM documents WHERE session_id = ? AND name = ?`,
		sessionID, name).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read document %s: %w", name, err)
	}
	return content, nil
}

func (w *Workspace) AppendMain(ctx context.Context, sessionID, content string) error {
	return w.AppendDocument(ctx, sessionID, mainDocument, content)
}

func (w *Workspace) ReadMain(ctx context.Context, sessionID string) (string, error) {
	return w.ReadDocument(ctx, sessionID, mainDocument)
}

// SaveAgentDoc upserts an agent's document (topic, persona, todo list).
// Only the owning agent's loop calls this.
func (w *Workspace) SaveAgentDoc(ctx context.Context, sessionID, agentID, topic, persona string, todos []model.Todo) error {
	b, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT INTO agent_docs (session_id, agent_id, topic, persona, todos, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, agent_id)
		DO UPDATE SET todos = excluded.todos, updated_at = excluded.updated_at`,
		sessionID, agentID, topic, persona, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save agent doc: %w", err)
	}
	return nil
}

func (w *Workspace) AddNote(ctx context.Context, sessionID string, n model.Note) error {
	urls, err := json.Marshal(n.URLs)
	if err != nil {
		return fmt.Errorf("marshal note urls: %w", err)
	}
	shared := 0
	if n.Shared {
		shared = 1
	}
	_, err = w.db.ExecContext(ctx,
		`INSERT INTO notes (session_id, agent_id, title, summary, urls, shared, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, n.AgentID, n.Title, n.Summary, string(urls), shared, n.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	return nil
}

// SharedNotes returns the notes visible to every agent, oldest first.
func (w *Workspace) SharedNotes(ctx context.Context, sessionID string) ([]model.Note, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT agent_id, title, summary, urls, created_at FROM notes
		 WHERE session_id = ? AND shared = 1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("shared notes: %w", err)
	}
	defer rows.Close()

	var out []model.Note
	for rows.Next() {
		var n model.Note
		var urls string
		if err := rows.Scan(&n.AgentID, &n.Title, &n.Summary, &urls, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Shared = true
		_ = json.Unmarshal([]byte(urls), &n.URLs)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddFinding records a finding. Findings are immutable and keyed by ID, so
// redelivered completion events are absorbed instead of duplicated.
func (w *Workspace) AddFinding(ctx context.Context, sessionID string, f model.Finding) error {
	kf, err := json.Marshal(f.KeyFindings)
	if err != nil {
		return fmt.Errorf("marshal key findings: %w", err)
	}
	src, err := json.Marshal(f.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = w.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO findings
		(id, session_id, agent_id, topic, summary, key_findings, sources, confidence, searches, scrapes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, sessionID, f.AgentID, f.Topic, f.Summary, string(kf), string(src),
		string(f.Confidence), f.Searches, f.Scrapes, f.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("add finding: %w", err)
	}
	return nil
}

func (w *Workspace) Findings(ctx context.Context, sessionID string) ([]model.Finding, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, agent_id, topic, summary, key_findings, sources, confidence, searches, scrapes, created_at
		FROM findings WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("findings: %w", err)
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		var f model.Finding
		var kf, src, conf string
		if err := rows.Scan(&f.ID, &f.AgentID, &f.Topic, &f.Summary, &kf, &src, &conf, &f.Searches, &f.Scrapes, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Confidence = model.Confidence(conf)
		_ = json.Unmarshal([]byte(kf), &f.KeyFindings)
		_ = json.Unmarshal([]byte(src), &f.Sources)
		out = append(out, f)
	}
	return out, rows.Err()
}

// AppendDraft adds a section to the draft report. Sections are append-only;
// earlier content is never rewritten.
func (w *Workspace) AppendDraft(ctx context.Context, sessionID string, author model.DraftAuthor, topic, content string) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO draft_sections (session_id, seq, author, topic, content, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM draft_sections WHERE session_id = ?), ?, ?, ?, ?)`,
		sessionID, sessionID, string(author), topic, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append draft: %w", err)
	}
	return nil
}

func (w *Workspace) DraftSections(ctx context.Context, sessionID string) ([]model.DraftSection, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT seq, author, topic, content, created_at FROM draft_sections
		WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("draft sections: %w", err)
	}
	defer rows.Close()

	var out []model.DraftSection
	for rows.Next() {
		var s model.DraftSection
		var author string
		if err := rows.Scan(&s.Seq, &author, &s.Topic, &s.Content, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Author = model.DraftAuthor(author)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Draft reads the running synthesis back as one document. Merge rule: an
// auto-appended section is superseded by any later section for the same
// topic, supervisor-authored or a fresher auto digest; supervisor sections
// are never dropped.
func (w *Workspace) Draft(ctx context.Context, sessionID string) (string, error) {
	sections, err := w.DraftSections(ctx, sessionID)
	if err != nil {
		return "", err
	}
	latest := make(map[string]int) // topic -> seq of the topic's last section
	for _, s := range sections {
		if s.Topic != "" {
			latest[s.Topic] = s.Seq
		}
	}
	var sb strings.Builder
	for _, s := range sections {
		if s.Author == model.DraftAuto && latest[s.Topic] > s.Seq {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s.Content)
	}
	return sb.String(), nil
}

// DeleteSession removes every artifact of a session. Called after the final
// report has been emitted successfully.
func (w *Workspace) DeleteSession(ctx context.Context, sessionID string) error {
	stmts := []string{
		`DELETE FROM draft_sections WHERE session_id = ?`,
		`DELETE FROM findings WHERE session_id = ?`,
		`DELETE FROM notes WHERE session_id = ?`,
		`DELETE FROM agent_docs WHERE session_id = ?`,
		`DELETE FROM documents WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	}
	for _, s := range stmts {
		if _, err := w.db.ExecContext(ctx, s, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	return nil
}
