package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

type staticIDs struct{ id string }

func (s staticIDs) NewID() (string, error) { return s.id, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var (
	testNow       = time.Unix(1700000000, 0).UTC()
	userColumnSet = []string{"id", "nid", "sid", "name", "state", "join_time", "last_active", "update_at", "extra"}
)

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, staticIDs{id: "new-user"}, fixedClock{testNow})
	require.NoError(t, err)
	return store, mock
}

func userRow(id string, nid *int64, sid *string, extra string) *pgxmock.Rows {
	return pgxmock.NewRows(userColumnSet).AddRow(
		id, nid, sid, "Sai", "active", (*time.Time)(nil), (*time.Time)(nil), testNow.Add(-time.Hour), []byte(extra),
	)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil, nil)
	require.Error(t, err)
}

func TestPingFailureIsWrapped(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, staticIDs{id: "x"}, fixedClock{testNow})
	require.NoError(t, err)

	mock.ExpectPing().WillReturnError(errors.New("refused"))
	err = store.Ping(context.Background())
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByUIDNumeric(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs(int64(7)).
		WillReturnRows(userRow("u1", ptr(int64(7)), (*string)(nil), `{}`))

	u, err := store.FindByUID(context.Background(), collector.NumericUID(7))
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, int64(7), *u.NID)
	require.Equal(t, collector.StateActive, u.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByUIDMissIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindByUID(context.Background(), collector.SlugUID("ghost"))
	require.ErrorIs(t, err, collector.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileInsertsWhenNoMatch(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("sid:sai").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(userColumnSet))
	mock.ExpectExec("INSERT INTO users").
		WithArgs("new-user", pgxmock.AnyArg(), pgxmock.AnyArg(), "Sai", "active",
			pgxmock.AnyArg(), pgxmock.AnyArg(), testNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	u, err := store.UpsertProfile(context.Background(), collector.ProfileRecord{
		SID: ptr("sai"), Name: "Sai", State: collector.StateActive,
	})
	require.NoError(t, err)
	require.Equal(t, "new-user", u.ID)
	require.Equal(t, testNow, u.UpdateAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileUpdatesMatchingRow(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("sid:sai").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("nid:7").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(userRow("u1", ptr(int64(7)), (*string)(nil), `{}`))
	mock.ExpectExec("UPDATE users").
		WithArgs("u1", pgxmock.AnyArg(), pgxmock.AnyArg(), "Renamed", "dropped",
			pgxmock.AnyArg(), pgxmock.AnyArg(), testNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	u, err := store.UpsertProfile(context.Background(), collector.ProfileRecord{
		NID: ptr(int64(7)), SID: ptr("sai"), Name: "Renamed", State: collector.StateDropped,
	})
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Equal(t, "sai", *u.SID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("nid:1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(userColumnSet))
	mock.ExpectExec("INSERT INTO users").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	_, err := store.UpsertProfile(context.Background(), collector.ProfileRecord{NID: ptr(int64(1))})
	var perr *collector.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileLockFailureSkipsInsert(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("sid:alice").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("nid:123").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := store.UpsertProfile(context.Background(), collector.ProfileRecord{
		NID: ptr(int64(123)), SID: ptr("alice"), Name: "Alice",
	})
	var perr *collector.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Op, "lock user")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeNameHistoryUnionsNames(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	stored := `{"name_history":{"update_at":"2024-01-01T00:00:00Z","key_point":"2024-01-01T00:00:00Z","names":["a"]}}`
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, nid, sid").
		WithArgs("u1").
		WillReturnRows(userRow("u1", (*int64)(nil), ptr("sai"), stored))
	mock.ExpectExec("UPDATE users SET extra").
		WithArgs("u1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	u, err := store.MergeNameHistory(context.Background(), "u1", collector.NamesUpdate{
		KeyPoint: older,
		Names:    collector.NewNameSet("b"),
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, u.Extra.NameHistory.Names.Sorted())
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), u.Extra.NameHistory.KeyPoint.UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushWritesItemsAndCheckpointTogether(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(catalogLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO on_air").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO key_value").
		WithArgs(collector.CheckpointKey, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.Flush(context.Background(),
		collector.Checkpoint{Hash: "h", UpdateAt: testNow},
		collector.Catalog{2: {Title: "two"}, 1: {Title: "one"}},
	)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushFailureLeavesCheckpointUnwritten(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(catalogLockKey).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("INSERT INTO on_air").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Flush(context.Background(), collector.Checkpoint{Hash: "h"}, collector.Catalog{1: {Title: "one"}})
	var perr *collector.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetKVMissIsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT value FROM key_value").
		WithArgs("onair").
		WillReturnError(pgx.ErrNoRows)

	cp, err := collector.LoadCheckpoint(context.Background(), store)
	require.NoError(t, err)
	require.Empty(t, cp.Hash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySubjectsDecodesRows(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT subject, data FROM on_air").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"subject", "data"}).
			AddRow(int64(253), []byte(`{"title":"Cowboy Bebop","type":"tv","sites":[]}`)))

	catalog, err := store.FindBySubjects(context.Background(), []collector.SubjectID{253, 254})
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.Equal(t, "Cowboy Bebop", catalog[253].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT 1 FROM schema_migrations").
		WithArgs("0001_init.sql").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0001_init.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedFiles(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT 1 FROM schema_migrations").
		WithArgs("0001_init.sql").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExtractUp(t *testing.T) {
	t.Parallel()

	content := "-- +migrate Up\nCREATE TABLE a();\n-- +migrate Down\nDROP TABLE a;\n"
	require.Equal(t, "\nCREATE TABLE a();\n", extractUp(content))
	require.Equal(t, "SELECT 1;", extractUp("SELECT 1;"))
}
