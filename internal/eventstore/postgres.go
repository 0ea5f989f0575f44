package eventstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tripjoin/internal/db"
	"github.com/sells-group/tripjoin/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// feedLockID serializes writers so change sequence order equals commit order.
const feedLockID = 7_220_018

// PostgresStore implements Store using pgxpool. Reads go to the primary and
// are always consistent.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = min(minConns, maxConns)
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that write their own
// tables (the aggregation sink).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) PutIfAbsent(ctx context.Context, item Item) (bool, error) {
	if item.PK == "" || item.SK == "" {
		return false, eris.New("postgres: put item: empty key")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: put item: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", feedLockID); err != nil {
		return false, eris.Wrap(err, "postgres: put item: lock feed")
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO items (pk, sk, status, idx, seq, data, created_at)
		 VALUES ($1, $2, $3, $4, nextval('change_seq'), $5, $6)
		 ON CONFLICT (pk, sk) DO NOTHING
		 RETURNING seq`,
		item.PK, item.SK, item.Status, item.Index, string(item.Data), item.CreatedAt,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: put item")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO changes (seq, kind, pk, sk, status, idx, item_seq, data, item_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $1, $7, $8)`,
		seq, string(ChangeInsert), item.PK, item.SK, item.Status, item.Index, string(item.Data), item.CreatedAt,
	); err != nil {
		return false, eris.Wrap(err, "postgres: put item: append change")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: put item: commit")
	}
	return true, nil
}

const pgItemColumns = `pk, sk, status, idx, seq, data, created_at`

func (s *PostgresStore) Get(ctx context.Context, pk, sk string, _ ...ReadOption) (*Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM items WHERE pk = $1 AND sk = $2`, pk, sk)
	it, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get item %s/%s", pk, sk)
	}
	return it, nil
}

func (s *PostgresStore) Query(ctx context.Context, pk string, _ ...ReadOption) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemColumns+` FROM items WHERE pk = $1 ORDER BY sk`, pk)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query partition %s", pk)
	}
	defer rows.Close()
	return collectPgItems(rows)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, pk, sk, from, to string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: update status: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", feedLockID); err != nil {
		return false, eris.Wrap(err, "postgres: update status: lock feed")
	}

	var (
		idx     string
		itemSeq int64
		data    []byte
		itemAt  time.Time
	)
	err = tx.QueryRow(ctx,
		`UPDATE items SET status = $1 WHERE pk = $2 AND sk = $3 AND status = $4
		 RETURNING idx, seq, data, created_at`,
		to, pk, sk, from,
	).Scan(&idx, &itemSeq, &data, &itemAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update status %s/%s", pk, sk)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO changes (seq, kind, pk, sk, status, idx, item_seq, data, item_at)
		 VALUES (nextval('change_seq'), $1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ChangeModify), pk, sk, to, idx, itemSeq, string(data), itemAt,
	); err != nil {
		return false, eris.Wrap(err, "postgres: update status: append change")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: update status: commit")
	}
	return true, nil
}

func (s *PostgresStore) Scan(ctx context.Context, f ScanFilter) (ScanPage, error) {
	where, args := scanWhere(f,
		func(n int) string { return fmt.Sprintf("$%d", n) },
		func(t time.Time) any { return t.UTC() },
	)
	args = append(args, f.limit()+1)

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM items WHERE %s ORDER BY seq LIMIT $%d`, pgItemColumns, where, len(args)),
		args...)
	if err != nil {
		return ScanPage{}, eris.Wrap(err, "postgres: scan")
	}
	defer rows.Close()

	items, err := collectPgItems(rows)
	if err != nil {
		return ScanPage{}, err
	}
	return pageOf(items, f.limit()), nil
}

func (s *PostgresStore) ReadChanges(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, pk, sk, status, idx, item_seq, data, item_at, created_at
		 FROM changes WHERE seq > $1 ORDER BY seq LIMIT $2`, after, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read changes")
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var kind string
		if err := rows.Scan(&c.Seq, &kind, &c.NewImage.PK, &c.NewImage.SK, &c.NewImage.Status,
			&c.NewImage.Index, &c.NewImage.Seq, &c.NewImage.Data, &c.NewImage.CreatedAt, &c.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		c.Kind = ChangeKind(kind)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: read changes iterate")
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT seq FROM checkpoints WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, eris.Wrapf(err, "postgres: load checkpoint %s", consumer)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, consumer string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (consumer, seq, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (consumer) DO UPDATE SET seq = GREATEST(checkpoints.seq, EXCLUDED.seq), updated_at = now()`,
		consumer, seq,
	)
	return eris.Wrapf(err, "postgres: save checkpoint %s", consumer)
}

// Dead letters

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, stage, trip_id, error, error_type, payload, retry_count, max_retries, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, retry_count = $7, last_failed_at = $10`,
		e.ID, e.Stage, e.TripID, e.Error, e.ErrorType, string(e.Payload),
		e.RetryCount, e.MaxRetries, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, stage, trip_id, error, error_type, payload, retry_count, max_retries, created_at, last_failed_at
	          FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, filter.Stage)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	query += fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload *string
		if err := rows.Scan(&e.ID, &e.Stage, &e.TripID, &e.Error, &e.ErrorType, &payload,
			&e.RetryCount, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if payload != nil && *payload != "" {
			e.Payload = []byte(*payload)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stage, COUNT(*) FROM dead_letters GROUP BY stage`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count dead letters")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter count")
		}
		counts[stage] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count dead letters iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove dead letter %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dead letter %s", id)
	}
	return nil
}

func scanPgItem(row scannable) (*Item, error) {
	var it Item
	if err := row.Scan(&it.PK, &it.SK, &it.Status, &it.Index, &it.Seq, &it.Data, &it.CreatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func collectPgItems(rows pgx.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		out = append(out, *it)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate items")
}
