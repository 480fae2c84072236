package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL DEFAULT '',
	category_id  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT '',
	confidence   REAL NOT NULL DEFAULT 0,
	search_text  TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_type ON items(type, created_at);
CREATE INDEX IF NOT EXISTS idx_items_hash ON items(content_hash);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, confidence);

CREATE TABLE IF NOT EXISTS categories (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	id        TEXT PRIMARY KEY,
	status    TEXT NOT NULL,
	last_seen INTEGER NOT NULL,
	data      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS interactions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	data    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS lessons (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
`

// SQLiteRepository stores records as JSON documents alongside the columns
// the filters query on.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// OpenSQLite opens (creating if needed) the database at path.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	// one writer avoids SQLITE_BUSY; ":memory:" also needs a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// nanos maps the zero time to 0 so it sorts before everything.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// queryDocs runs query and decodes the single data column of each row.
func queryDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getDoc[T any](ctx context.Context, db *sql.DB, kind, query, id string) (*T, error) {
	docs, err := queryDocs[T](ctx, db, query, id)
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return docs[0], nil
}

func (r *SQLiteRepository) GetItem(ctx context.Context, id string) (*KnowledgeItem, error) {
	return getDoc[KnowledgeItem](ctx, r.db, "item", `SELECT data FROM items WHERE id = ?`, id)
}

func (r *SQLiteRepository) FindItemByHash(ctx context.Context, hash string) (*KnowledgeItem, error) {
	docs, err := queryDocs[KnowledgeItem](ctx, r.db,
		`SELECT data FROM items WHERE content_hash = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		hash)
	if err != nil {
		return nil, fmt.Errorf("find item by hash: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("item with hash %s: %w", hash, ErrNotFound)
	}
	return docs[0], nil
}

// itemWhere renders f as a WHERE clause (without the keyword).
func itemWhere(f ItemFilter) (string, []any) {
	conds := []string{"1=1"}
	var args []any

	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.CategoryID != "" {
		conds = append(conds, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.ConfidenceBelow > 0 {
		conds = append(conds, "confidence < ?")
		args = append(args, f.ConfidenceBelow)
	}
	if !f.CreatedAfter.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, nanos(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, nanos(f.CreatedBefore))
	}
	return strings.Join(conds, " AND "), args
}

func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

func (r *SQLiteRepository) ListItems(ctx context.Context, f ItemFilter) ([]*KnowledgeItem, error) {
	where, args := itemWhere(f)
	docs, err := queryDocs[KnowledgeItem](ctx, r.db,
		`SELECT data FROM items WHERE `+where+` ORDER BY created_at DESC`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return docs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *SQLiteRepository) SearchItems(ctx context.Context, terms []string, f ItemFilter) ([]*KnowledgeItem, error) {
	var likes []string
	var likeArgs []any
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		likes = append(likes, `search_text LIKE ? ESCAPE '\'`)
		likeArgs = append(likeArgs, "%"+likeEscaper.Replace(t)+"%")
	}
	if len(terms) > 0 && len(likes) == 0 {
		return nil, nil
	}
	if len(likes) == 0 {
		return r.ListItems(ctx, f)
	}

	where, args := itemWhere(f)
	where += " AND (" + strings.Join(likes, " OR ") + ")"
	args = append(args, likeArgs...)

	docs, err := queryDocs[KnowledgeItem](ctx, r.db,
		`SELECT data FROM items WHERE `+where+` ORDER BY created_at DESC`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	return docs, nil
}

func (r *SQLiteRepository) SaveItem(ctx context.Context, item *KnowledgeItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO items (id, type, category_id, status, content_hash, confidence, search_text, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			category_id = excluded.category_id,
			status = excluded.status,
			content_hash = excluded.content_hash,
			confidence = excluded.confidence,
			search_text = excluded.search_text,
			created_at = excluded.created_at,
			data = excluded.data`,
		item.ID, item.Type, item.CategoryID, string(item.Status), item.ContentHash,
		item.Confidence, searchText(item), nanos(item.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}
	return nil
}

// upsertDoc stores a document keyed by id in a table with only (id, data)
// plus the given extra columns.
func (r *SQLiteRepository) upsertDoc(ctx context.Context, table, idCol, id string, doc any, extra map[string]any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", table, err)
	}

	cols := []string{idCol, "data"}
	args := []any{id, string(data)}
	sets := []string{"data = excluded.data"}
	for col, v := range extra {
		cols = append(cols, col)
		args = append(args, v)
		sets = append(sets, col+" = excluded."+col)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), marks, idCol, strings.Join(sets, ", "))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save %s %s: %w", table, id, err)
	}
	return nil
}

func (r *SQLiteRepository) GetCategory(ctx context.Context, id string) (*Category, error) {
	return getDoc[Category](ctx, r.db, "category", `SELECT data FROM categories WHERE id = ?`, id)
}

func (r *SQLiteRepository) SaveCategory(ctx context.Context, c *Category) error {
	if c == nil || c.ID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "categories", "id", c.ID, c, nil)
}

func (r *SQLiteRepository) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	return getDoc[Pattern](ctx, r.db, "pattern", `SELECT data FROM patterns WHERE id = ?`, id)
}

func (r *SQLiteRepository) ListPatterns(ctx context.Context, f PatternFilter) ([]*Pattern, error) {
	conds := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+strings.Join(marks, ",")+")")
	}
	if !f.SeenAfter.IsZero() {
		conds = append(conds, "last_seen > ?")
		args = append(args, nanos(f.SeenAfter))
	}

	docs, err := queryDocs[Pattern](ctx, r.db,
		`SELECT data FROM patterns WHERE `+strings.Join(conds, " AND ")+` ORDER BY last_seen DESC`+limitClause(f.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return docs, nil
}

func (r *SQLiteRepository) SavePattern(ctx context.Context, p *Pattern) error {
	if p == nil || p.ID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "patterns", "id", p.ID, p, map[string]any{
		"status":    string(p.Status),
		"last_seen": nanos(p.LastSeen),
	})
}

func (r *SQLiteRepository) SaveInteraction(ctx context.Context, in *Interaction) error {
	if in == nil || in.ID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "interactions", "id", in.ID, in, map[string]any{
		"user_id":    in.UserID,
		"outcome":    string(in.Outcome),
		"created_at": nanos(in.CreatedAt),
	})
}

func (r *SQLiteRepository) ListInteractions(ctx context.Context, f InteractionFilter) ([]*Interaction, error) {
	conds := []string{"1=1"}
	var args []any
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(f.Outcome))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, nanos(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, nanos(f.Until))
	}

	docs, err := queryDocs[Interaction](ctx, r.db,
		`SELECT data FROM interactions WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at ASC`+limitClause(f.Limit),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	return docs, nil
}

func (r *SQLiteRepository) deleteBefore(ctx context.Context, table string, t time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, nanos(t))
	if err != nil {
		return 0, fmt.Errorf("delete old %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old %s: %w", table, err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) DeleteInteractionsBefore(ctx context.Context, t time.Time) (int, error) {
	return r.deleteBefore(ctx, "interactions", t)
}

func (r *SQLiteRepository) GetProfile(ctx context.Context, userID string) (*UserProfile, error) {
	return getDoc[UserProfile](ctx, r.db, "profile", `SELECT data FROM profiles WHERE user_id = ?`, userID)
}

func (r *SQLiteRepository) SaveProfile(ctx context.Context, p *UserProfile) error {
	if p == nil || p.UserID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "profiles", "user_id", p.UserID, p, nil)
}

func (r *SQLiteRepository) SaveReport(ctx context.Context, rep *AnalysisReport) error {
	if rep == nil || rep.ID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "reports", "id", rep.ID, rep, map[string]any{
		"created_at": nanos(rep.CreatedAt),
	})
}

func (r *SQLiteRepository) ListReports(ctx context.Context, since, until time.Time) ([]*AnalysisReport, error) {
	conds := []string{"1=1"}
	var args []any
	if !since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, nanos(since))
	}
	if !until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, nanos(until))
	}

	docs, err := queryDocs[AnalysisReport](ctx, r.db,
		`SELECT data FROM reports WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return docs, nil
}

func (r *SQLiteRepository) DeleteReportsBefore(ctx context.Context, t time.Time) (int, error) {
	return r.deleteBefore(ctx, "reports", t)
}

func (r *SQLiteRepository) SaveLesson(ctx context.Context, l *Lesson) error {
	if l == nil || l.ID == "" {
		return ErrInvalidRecord
	}
	return r.upsertDoc(ctx, "lessons", "id", l.ID, l, map[string]any{
		"created_at": nanos(l.CreatedAt),
	})
}

func (r *SQLiteRepository) ListLessons(ctx context.Context, limit int) ([]*Lesson, error) {
	docs, err := queryDocs[Lesson](ctx, r.db,
		`SELECT data FROM lessons ORDER BY created_at DESC`+limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return docs, nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
