// Package patterns is the long-lived store of extracted, confidence-scored
// patterns with full-text lookup over title and content.
package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ambientlabs/ambientd/pkg/errs"
)

const searchCacheSize = 128

// Store persists patterns in SQLite with an FTS5 index. Search results are
// cached in-process; any mutation purges the cache.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, []Pattern]
	log   zerolog.Logger

	now func() time.Time // test hook
}

// NewStore creates/opens the pattern database at path.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pattern db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Storage("open pattern db", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	cache, err := lru.New[string, []Pattern](searchCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create search cache: %w", err)
	}

	s := &Store{db: db, cache: cache, log: log, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS patterns (
			pattern_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			pattern_type TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_ms INTEGER NOT NULL DEFAULT 0,
			namespaces TEXT NOT NULL DEFAULT '[]',
			pinned INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS patterns_fts USING fts5(
			pattern_id UNINDEXED, title, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS patterns_ai AFTER INSERT ON patterns BEGIN
			INSERT INTO patterns_fts(pattern_id, title, content) VALUES (new.pattern_id, new.title, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS patterns_au AFTER UPDATE OF title, content ON patterns BEGIN
			INSERT INTO patterns_fts(patterns_fts, rowid, pattern_id, title, content)
				VALUES('delete', old.rowid, old.pattern_id, old.title, old.content);
			INSERT INTO patterns_fts(pattern_id, title, content) VALUES (new.pattern_id, new.title, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS patterns_ad AFTER DELETE ON patterns BEGIN
			INSERT INTO patterns_fts(patterns_fts, rowid, pattern_id, title, content)
				VALUES('delete', old.rowid, old.pattern_id, old.title, old.content);
		END;`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errs.Storage("init pattern schema", err)
		}
	}
	return nil
}

// Add inserts a new pattern. An existing pattern_id yields ErrConflict and
// leaves the stored row untouched.
func (s *Store) Add(ctx context.Context, p Pattern) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: empty pattern id", errs.ErrInvalidInput)
	}
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: empty pattern title", errs.ErrInvalidInput)
	}

	var lastMS int64
	if !p.LastAccess.IsZero() {
		lastMS = p.LastAccess.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO patterns(pattern_id, title, content, pattern_type, confidence, access_count, last_accessed_ms, namespaces, pinned)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pattern_id) DO NOTHING`,
		p.ID, p.Title, p.Content, p.Type, p.Confidence, p.AccessCount, lastMS, encodeNamespaces(p.Namespaces), boolInt(p.Pinned))
	if err != nil {
		return errs.Storage("insert pattern", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pattern %s", errs.ErrConflict, p.ID)
	}
	s.cache.Purge()
	return nil
}

// Get returns one pattern by id.
func (s *Store) Get(ctx context.Context, id string) (Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT pattern_id, title, content, pattern_type, confidence, access_count, last_accessed_ms, namespaces, pinned
FROM patterns WHERE pattern_id = ?`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Pattern{}, fmt.Errorf("%w: pattern %s", errs.ErrNotFound, id)
		}
		return Pattern{}, errs.Storage("get pattern", err)
	}
	return p, nil
}

// Search performs a relevance-ranked full-text lookup over title/content,
// optionally scoped to one namespace.
func (s *Store) Search(ctx context.Context, query, namespace string, limit int) ([]Pattern, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	cacheKey := fmt.Sprintf("%s|%s|%d", query, namespace, limit)
	if hit, ok := s.cache.Get(cacheKey); ok {
		return hit, nil
	}

	nsFilter := ""
	if namespace != "" {
		// Namespaces are stored as a JSON array; match the quoted element.
		nsFilter = `%"` + namespace + `"%`
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT p.pattern_id, p.title, p.content, p.pattern_type, p.confidence, p.access_count, p.last_accessed_ms, p.namespaces, p.pinned
FROM patterns_fts f
JOIN patterns p ON p.pattern_id = f.pattern_id
WHERE patterns_fts MATCH ?
AND (? = '' OR p.namespaces LIKE ?)
ORDER BY bm25(patterns_fts), p.confidence DESC
LIMIT ?`, ftsQuery(query), nsFilter, nsFilter, limit)
	if err != nil {
		return nil, errs.Storage("search patterns", err)
	}
	defer rows.Close()

	out := []Pattern{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, errs.Storage("scan pattern", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate patterns", err)
	}

	s.cache.Add(cacheKey, out)
	return out, nil
}

// RecordAccess bumps a pattern's usage counters.
func (s *Store) RecordAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE patterns
SET access_count = access_count + 1, last_accessed_ms = ?
WHERE pattern_id = ?`, s.now().UnixMilli(), id)
	if err != nil {
		return errs.Storage("record access", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pattern %s", errs.ErrNotFound, id)
	}
	s.cache.Purge()
	return nil
}

// RecomputeConfidence rescores a pattern from fresh usage signals.
func (s *Store) RecomputeConfidence(ctx context.Context, id string, f Factors) (float64, error) {
	score := Score(f, s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE patterns SET confidence = ? WHERE pattern_id = ?`, score, id)
	if err != nil {
		return 0, errs.Storage("recompute confidence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: pattern %s", errs.ErrNotFound, id)
	}
	s.cache.Purge()
	return score, nil
}

// Prune deletes unpinned patterns whose confidence is below minConfidence
// and whose last access is older than maxAge. Pinned patterns are exempt
// unconditionally. Never-accessed patterns age from zero, so they qualify
// once below the confidence bar.
func (s *Store) Prune(ctx context.Context, minConfidence float64, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM patterns
WHERE pinned = 0
AND confidence < ?
AND last_accessed_ms < ?`, minConfidence, cutoff)
	if err != nil {
		return 0, errs.Storage("prune patterns", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.cache.Purge()
		s.log.Info().Int64("pruned", n).Float64("min_confidence", minConfidence).Msg("pruned stale patterns")
	}
	return int(n), nil
}

// PatternStats summarizes the store.
func (s *Store) PatternStats(ctx context.Context) (Stats, error) {
	stats := Stats{ByType: map[string]int{}}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(pinned), 0), COALESCE(AVG(confidence), 0) FROM patterns`)
	if err := row.Scan(&stats.Total, &stats.Pinned, &stats.MeanConfidence); err != nil {
		return Stats{}, errs.Storage("pattern stats", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT pattern_type, COUNT(*) FROM patterns GROUP BY pattern_type`)
	if err != nil {
		return Stats{}, errs.Storage("pattern stats by type", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return Stats{}, errs.Storage("scan pattern stats", err)
		}
		stats.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, errs.Storage("iterate pattern stats", err)
	}
	return stats, nil
}

// ftsQuery quotes each term so user input with FTS operators cannot break
// the MATCH expression.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func encodeNamespaces(ns []string) string {
	if len(ns) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ns)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeNamespaces(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (Pattern, error) {
	var p Pattern
	var lastMS int64
	var nsRaw string
	var pinned int
	if err := row.Scan(&p.ID, &p.Title, &p.Content, &p.Type, &p.Confidence, &p.AccessCount, &lastMS, &nsRaw, &pinned); err != nil {
		return Pattern{}, err
	}
	if lastMS > 0 {
		p.LastAccess = time.UnixMilli(lastMS)
	}
	p.Namespaces = decodeNamespaces(nsRaw)
	p.Pinned = pinned != 0
	return p, nil
}
