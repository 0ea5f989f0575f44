package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tripjoin/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Every write runs in
// one transaction that also appends the change record, so the feed order is
// the commit order. SQLite has a single writer, so every read is consistent.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. Pragmas go in the DSN
// so every pooled connection gets them; write transactions start IMMEDIATE.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	idx        TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL,
	data       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (pk, sk)
);

CREATE TABLE IF NOT EXISTS changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	pk         TEXT NOT NULL,
	sk         TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT '',
	idx        TEXT NOT NULL DEFAULT '',
	item_seq   INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL,
	item_at    INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	consumer   TEXT PRIMARY KEY,
	seq        INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	stage          TEXT NOT NULL,
	trip_id        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	payload        TEXT,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	last_failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_seq ON items(seq);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, created_at);
CREATE INDEX IF NOT EXISTS idx_items_idx ON items(idx);
CREATE INDEX IF NOT EXISTS idx_dead_letters_stage ON dead_letters(stage);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutIfAbsent(ctx context.Context, item Item) (bool, error) {
	if item.PK == "" || item.SK == "" {
		return false, eris.New("sqlite: put item: empty key")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put item: begin")
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO changes (kind, pk, sk, status, idx, data, item_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`,
		string(ChangeInsert), item.PK, item.SK, item.Status, item.Index, string(item.Data),
		item.CreatedAt.UnixNano(), now.UnixNano(),
	).Scan(&seq)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put item: append change")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO items (pk, sk, status, idx, seq, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (pk, sk) DO NOTHING`,
		item.PK, item.SK, item.Status, item.Index, seq, string(item.Data), item.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put item")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put item: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE changes SET item_seq = ? WHERE seq = ?`, seq, seq); err != nil {
		return false, eris.Wrap(err, "sqlite: put item: stamp change")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: put item: commit")
	}
	return true, nil
}

const itemColumns = `pk, sk, status, idx, seq, data, created_at`

func (s *SQLiteStore) Get(ctx context.Context, pk, sk string, _ ...ReadOption) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE pk = ? AND sk = ?`, pk, sk)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %s/%s", pk, sk)
	}
	return it, nil
}

func (s *SQLiteStore) Query(ctx context.Context, pk string, _ ...ReadOption) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE pk = ? ORDER BY sk`, pk)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query partition %s", pk)
	}
	defer rows.Close()
	return collectSQLiteItems(rows)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, pk, sk, from, to string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: update status: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE items SET status = ? WHERE pk = ? AND sk = ? AND status = ?`, to, pk, sk, from)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update status %s/%s", pk, sk)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: update status: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changes (kind, pk, sk, status, idx, item_seq, data, item_at, created_at)
		 SELECT ?, pk, sk, status, idx, seq, data, created_at, ? FROM items WHERE pk = ? AND sk = ?`,
		string(ChangeModify), time.Now().UTC().UnixNano(), pk, sk,
	); err != nil {
		return false, eris.Wrap(err, "sqlite: update status: append change")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: update status: commit")
	}
	return true, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, f ScanFilter) (ScanPage, error) {
	where, args := scanWhere(f, func(int) string { return "?" }, func(t time.Time) any { return t.UTC().UnixNano() })
	args = append(args, f.limit()+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE `+where+` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return ScanPage{}, eris.Wrap(err, "sqlite: scan")
	}
	defer rows.Close()

	items, err := collectSQLiteItems(rows)
	if err != nil {
		return ScanPage{}, err
	}
	return pageOf(items, f.limit()), nil
}

// scanWhere builds the WHERE clause shared by the SQL backends. ph renders
// the placeholder for the n-th argument and ts encodes a timestamp argument.
func scanWhere(f ScanFilter, ph func(n int) string, ts func(time.Time) any) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}

	add("seq > %s", f.Cursor)
	if f.SKPrefix != "" {
		add("sk LIKE %s", f.SKPrefix+"%")
	}
	if f.Status != "" {
		add("status = %s", f.Status)
	}
	if f.Index != "" {
		add("idx = %s", f.Index)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < %s", ts(f.CreatedBefore))
	}
	return strings.Join(conds, " AND "), args
}

func pageOf(items []Item, limit int) ScanPage {
	var page ScanPage
	if len(items) > limit {
		items = items[:limit]
		page.NextCursor = items[len(items)-1].Seq
	}
	page.Items = items
	return page
}

func (s *SQLiteStore) ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, pk, sk, status, idx, item_seq, data, item_at, created_at
		 FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read changes")
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var kind, data string
		var itemAt, at int64
		if err := rows.Scan(&c.Seq, &kind, &c.NewImage.PK, &c.NewImage.SK, &c.NewImage.Status,
			&c.NewImage.Index, &c.NewImage.Seq, &data, &itemAt, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		c.Kind = ChangeKind(kind)
		c.NewImage.Data = []byte(data)
		c.NewImage.CreatedAt = time.Unix(0, itemAt).UTC()
		c.At = time.Unix(0, at).UTC()
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: read changes iterate")
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM checkpoints WHERE consumer = ?`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, eris.Wrapf(err, "sqlite: load checkpoint %s", consumer)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (consumer, seq, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (consumer) DO UPDATE SET seq = MAX(checkpoints.seq, excluded.seq), updated_at = excluded.updated_at`,
		consumer, seq, time.Now().UTC().UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: save checkpoint %s", consumer)
}

// Dead letters

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, stage, trip_id, error, error_type, payload, retry_count, max_retries, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, last_failed_at = excluded.last_failed_at`,
		e.ID, e.Stage, e.TripID, e.Error, e.ErrorType, string(e.Payload),
		e.RetryCount, e.MaxRetries, e.CreatedAt.UnixNano(), e.LastFailedAt.UnixNano(),
	)
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, stage, trip_id, error, error_type, payload, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letters WHERE 1=1`
	var args []any
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload sql.NullString
		var created, lastFailed int64
		if err := rows.Scan(&e.ID, &e.Stage, &e.TripID, &e.Error, &e.ErrorType, &payload,
			&e.RetryCount, &e.MaxRetries, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		e.LastFailedAt = time.Unix(0, lastFailed).UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM dead_letters GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count dead letters")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter count")
		}
		counts[stage] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count dead letters iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove dead letter %s", id)
	}
	return checkRowsAffected(res, "dead letter", id)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row scannable) (*Item, error) {
	var it Item
	var data string
	var created int64
	if err := row.Scan(&it.PK, &it.SK, &it.Status, &it.Index, &it.Seq, &data, &created); err != nil {
		return nil, err
	}
	it.Data = []byte(data)
	it.CreatedAt = time.Unix(0, created).UTC()
	return &it, nil
}

func collectSQLiteItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate items")
}
