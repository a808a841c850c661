package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one piece of prior-session context.
type Entry struct {
	Title   string  `json:"title"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// Store retrieves prior session context by relevance and saves completed
// research back for future sessions.
type Store interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Entry, error)
	Save(ctx context.Context, title, content string) error
}

// SQLiteStore keeps memories in a local sqlite database and scores them by
// keyword overlap. Good enough without an embedding service.
type SQLiteStore struct {
	db *sql.DB
}

func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	// Pragmas live in the DSN so they apply to every pooled connection.
	dsn := "file:" + filepath.Join(dataDir, "memory.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("migrate memory store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, title, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (title, content, created_at) VALUES (?, ?, ?)`,
		title, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

const excerptLen = 600

func (s *SQLiteStore) Retrieve(ctx context.Context, query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := keywords(query)
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT title, content FROM memories ORDER BY created_at DESC LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("retrieve memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var title, content string
		if err := rows.Scan(&title, &content); err != nil {
			return nil, err
		}
		score := scoreOverlap(terms, strings.ToLower(title+" "+content))
		if score <= 0 {
			continue
		}
		ex := content
		if len(ex) > excerptLen {
			ex = ex[:excerptLen]
		}
		entries = append(entries, Entry{Title: title, Score: score, Excerpt: ex})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"that": true, "this": true, "what": true, "how": true, "why": true,
	"about": true, "from": true, "into": true, "does": true, "was": true,
}

func keywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?\"'()[]{}:;")
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func scoreOverlap(terms []string, text string) float64 {
	hits := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
