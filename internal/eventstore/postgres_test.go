package eventstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tripjoin/internal/resilience"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgres_PutIfAbsentCreated(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(feedLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO items").
		WithArgs("t1", "RAW#START", "UNMATCHED", "", `{"a":1}`, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(5)))
	mock.ExpectExec("INSERT INTO changes").
		WithArgs(int64(5), "INSERT", "t1", "RAW#START", "UNMATCHED", "", `{"a":1}`, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	created, err := s.PutIfAbsent(ctx, Item{PK: "t1", SK: "RAW#START", Status: "UNMATCHED", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutIfAbsentDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(feedLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO items").
		WithArgs("t1", "COMPLETED", "", "2025-04-20", `{}`, pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	created, err := s.PutIfAbsent(ctx, Item{PK: "t1", SK: "COMPLETED", Index: "2025-04-20", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PutIfAbsentChangeFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(feedLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO items").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO changes").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.PutIfAbsent(ctx, Item{PK: "t1", SK: "RAW#END", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append change")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery("SELECT pk, sk, status, idx, seq, data, created_at FROM items").
		WithArgs("t1", "RAW#END").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.Get(context.Background(), "t1", "RAW#END", Consistent())
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Query(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM items WHERE pk = \\$1 ORDER BY sk").
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"pk", "sk", "status", "idx", "seq", "data", "created_at"}).
			AddRow("t1", "RAW#END", "UNMATCHED", "", int64(2), json.RawMessage(`{"x":2}`), at).
			AddRow("t1", "RAW#START", "CONSUMED", "", int64(1), json.RawMessage(`{"x":1}`), at))

	items, err := s.Query(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "RAW#END", items[0].SK)
	assert.Equal(t, int64(1), items[1].Seq)
	assert.JSONEq(t, `{"x":1}`, string(items[1].Data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatusNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(feedLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("UPDATE items SET status").
		WithArgs("CONSUMED", "t1", "RAW#START", "UNMATCHED").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	ok, err := s.UpdateStatus(context.Background(), "t1", "RAW#START", "UNMATCHED", "CONSUMED")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatusAppendsModify(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(feedLockID).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("UPDATE items SET status").
		WithArgs("CONSUMED", "t1", "RAW#START", "UNMATCHED").
		WillReturnRows(pgxmock.NewRows([]string{"idx", "seq", "data", "created_at"}).
			AddRow("", int64(3), []byte(`{"y":1}`), at))
	mock.ExpectExec("INSERT INTO changes").
		WithArgs("MODIFY", "t1", "RAW#START", "CONSUMED", "", int64(3), `{"y":1}`, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := s.UpdateStatus(context.Background(), "t1", "RAW#START", "UNMATCHED", "CONSUMED")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ScanBuildsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)
	cols := []string{"pk", "sk", "status", "idx", "seq", "data", "created_at"}

	mock.ExpectQuery("FROM items WHERE .+ ORDER BY seq LIMIT \\$4").
		WithArgs(int64(10), "RAW#%", "UNMATCHED", 3).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("a", "RAW#START", "UNMATCHED", "", int64(11), json.RawMessage(`{}`), at).
			AddRow("b", "RAW#START", "UNMATCHED", "", int64(12), json.RawMessage(`{}`), at).
			AddRow("c", "RAW#END", "UNMATCHED", "", int64(13), json.RawMessage(`{}`), at))

	page, err := s.Scan(context.Background(), ScanFilter{SKPrefix: "RAW#", Status: "UNMATCHED", Cursor: 10, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(12), page.NextCursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReadChanges(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM changes WHERE seq > \\$1 ORDER BY seq LIMIT \\$2").
		WithArgs(int64(4), 50).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "kind", "pk", "sk", "status", "idx", "item_seq", "data", "item_at", "created_at"}).
			AddRow(int64(5), "INSERT", "t1", "RAW#END", "UNMATCHED", "", int64(5), json.RawMessage(`{}`), at, at).
			AddRow(int64(6), "MODIFY", "t1", "RAW#START", "CONSUMED", "", int64(2), json.RawMessage(`{}`), at, at))

	changes, err := s.ReadChanges(context.Background(), 4, 50)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeInsert, changes[0].Kind)
	assert.Equal(t, ChangeModify, changes[1].Kind)
	assert.Equal(t, int64(2), changes[1].NewImage.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Checkpoints(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT seq FROM checkpoints").WithArgs("matcher").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO checkpoints").WithArgs("matcher", int64(8)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT seq FROM checkpoints").WithArgs("matcher").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(8)))

	cp, err := s.LoadCheckpoint(ctx, "matcher")
	require.NoError(t, err)
	assert.Zero(t, cp)
	require.NoError(t, s.SaveCheckpoint(ctx, "matcher", 8))
	cp, err = s.LoadCheckpoint(ctx, "matcher")
	require.NoError(t, err)
	assert.Equal(t, int64(8), cp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeadLetters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	at := time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC)
	payload := `{"trip_id":"t1"}`

	mock.ExpectExec("INSERT INTO dead_letters").
		WithArgs("d1", "merge", "t1", "boom", "merge", payload, 0, 0, at, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FROM dead_letters WHERE true AND stage = \\$1 ORDER BY created_at, id LIMIT \\$2").
		WithArgs("merge", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "stage", "trip_id", "error", "error_type", "payload", "retry_count", "max_retries", "created_at", "last_failed_at"}).
			AddRow("d1", "merge", "t1", "boom", "merge", &payload, 0, 0, at, at))
	mock.ExpectQuery("SELECT stage, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"stage", "count"}).AddRow("merge", 1).AddRow("ingest", 4))
	mock.ExpectExec("DELETE FROM dead_letters").WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM dead_letters").WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "d1", Stage: resilience.StageMerge, TripID: "t1", Error: "boom",
		ErrorType: resilience.ErrorTypeMerge, Payload: json.RawMessage(payload),
		CreatedAt: at, LastFailedAt: at,
	}))

	entries, err := s.ListDLQ(ctx, resilience.DLQFilter{Stage: resilience.StageMerge})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, payload, string(entries[0].Payload))

	counts, err := s.CountDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"merge": 1, "ingest": 4}, counts)

	require.NoError(t, s.RemoveDLQ(ctx, "d1"))
	assert.Error(t, s.RemoveDLQ(ctx, "d1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec("SELECT 1").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
