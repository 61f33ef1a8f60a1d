package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/engine"
)

func sampleComparison(id string, created time.Time) *comparison.Comparison {
	c := comparison.NewComparison(id, "orders "+id)
	c.CreatedAt = created
	c.SetConfig(comparison.Config{
		SourceA:     comparison.TableSource("orders_2023"),
		SourceB:     comparison.TableSource("orders_2023_copy"),
		JoinColumns: []string{"order_id"},
	})
	c.ResultsTableName = comparison.ResultsTableName(id)
	c.LastStage = comparison.StageCompleted
	c.Metadata.ExecutionMetadata = &comparison.ExecutionMetadata{
		RunID:         "run-1",
		AlgorithmUsed: comparison.AlgorithmHashBucket,
		Summary:       &comparison.DiffSummary{OnlyInA: 2, OnlyInB: 1, Differs: 3},
	}
	return c
}

// exerciseStore runs the same contract against every Store implementation.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), ErrNotFound)

	require.NoError(t, s.Put(ctx, sampleComparison("second", base.Add(time.Hour))))
	require.NoError(t, s.Put(ctx, sampleComparison("first", base)))

	got, err := s.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "orders first", got.Name)
	assert.Equal(t, []string{"order_id"}, got.Config.JoinColumns)
	assert.Equal(t, comparison.StageCompleted, got.LastStage)
	assert.Equal(t, int64(6), got.Metadata.ExecutionMetadata.Summary.DiffRows())

	// Put replaces
	got.LastStage = comparison.StagePartial
	got.Metadata.PartialResults = true
	require.NoError(t, s.Put(ctx, got))
	again, err := s.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, comparison.StagePartial, again.LastStage)
	assert.True(t, again.Metadata.PartialResults)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)

	require.NoError(t, s.Delete(ctx, "first"))
	_, err = s.Get(ctx, "first")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Put(ctx, comparison.NewComparison("../escape", "")), ErrInvalidID)
	_, err = s.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left behind")
	assert.Equal(t, "second.json", entries[0].Name())
}

func TestFileStoreDefaultDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s, err := NewFileStore("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".data-compare", "comparisons"), s.Dir())
}

func TestFileStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))

	_, err = s.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreSQLite(t *testing.T) {
	eng, err := engine.Open(context.Background(), engine.Config{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	defer eng.Close()

	s, err := NewSQLStore(eng.DB(), eng.Dialect(), "")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()), "migrate is idempotent")
	exerciseStore(t, s)
}

func TestSQLStorePostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, engine.Postgres{}, "")
	require.NoError(t, err)

	c := sampleComparison("c1", time.Now())
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "data_compare_comparisons" WHERE "id" = $1`)).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "data_compare_comparisons" ("id", "name", "payload", "updated_at") VALUES ($1, $2, $3, $4)`)).
		WithArgs("c1", "orders c1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Put(context.Background(), c))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "payload" FROM "data_compare_comparisons" WHERE "id" = $1`)).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)
	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRollsBackFailedPut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, engine.MySQL{}, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `data_compare_comparisons` WHERE `id` = ?")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = s.Put(context.Background(), sampleComparison("c1", time.Now()))
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSQLStoreRejectsBadTable(t *testing.T) {
	_, err := NewSQLStore(nil, engine.SQLite{}, "x; DROP TABLE y")
	assert.Error(t, err)
}
