package cmd

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
)

func changedSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

func TestSourceFromFlags(t *testing.T) {
	s, err := sourceFromFlags("a", "sales.orders", "")
	require.NoError(t, err)
	assert.Equal(t, comparison.SourceTable, s.Kind)
	assert.Equal(t, "sales", s.Schema)
	assert.Equal(t, "orders", s.Name)

	s, err = sourceFromFlags("b", "", "SELECT 1 AS id")
	require.NoError(t, err)
	assert.Equal(t, comparison.SourceQuery, s.Kind)
	assert.Equal(t, "b", s.Alias)

	s, err = sourceFromFlags("a", "", "")
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = sourceFromFlags("a", "orders", "SELECT 1")
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestBuildComparisonConfig(t *testing.T) {
	t.Run("new comparison", func(t *testing.T) {
		f := runFlags{
			sourceA:             "orders",
			queryB:              "SELECT * FROM orders_copy",
			keys:                []string{"id"},
			columnMap:           map[string]string{"total": "amount"},
			filterA:             "id > 10",
			showOnlyDifferences: true,
		}
		cfg, err := buildComparisonConfig(f, changedSet("key", "map", "filter-a"), nil)
		require.NoError(t, err)
		assert.Equal(t, comparison.TableSource("orders"), cfg.SourceA)
		assert.Equal(t, comparison.QuerySource("SELECT * FROM orders_copy", "b"), cfg.SourceB)
		assert.Equal(t, []string{"id"}, cfg.JoinColumns)
		assert.Equal(t, map[string]string{"total": "amount"}, cfg.ColumnMappings)
		assert.Equal(t, comparison.FilterSeparate, cfg.FilterMode, "a per-side filter implies separate mode")
		assert.True(t, cfg.ShowOnlyDifferences)
		assert.Equal(t, comparison.AlgorithmAuto, cfg.Algorithm)
		assert.Equal(t, comparison.CompareStrict, cfg.CompareMode)
		assert.Equal(t, comparison.JoinFull, cfg.JoinType)
	})

	t.Run("sources required", func(t *testing.T) {
		_, err := buildComparisonConfig(runFlags{sourceA: "orders"}, changedSet(), nil)
		assert.ErrorIs(t, err, errSourceRequired)
	})

	t.Run("rerun keeps stored settings", func(t *testing.T) {
		prior := accountsRunConfig(comparison.AlgorithmHashBucket)
		prior.CommonFilter = "balance > 0"
		prior.ShowOnlyDifferences = false

		cfg, err := buildComparisonConfig(runFlags{showOnlyDifferences: true}, changedSet(), &prior)
		require.NoError(t, err)
		assert.Equal(t, prior, cfg)

		cfg.JoinColumns[0] = "changed"
		assert.Equal(t, "id", prior.JoinColumns[0], "stored config is not aliased")
	})

	t.Run("flags override stored settings", func(t *testing.T) {
		prior := accountsRunConfig(comparison.AlgorithmHashBucket)
		f := runFlags{
			sourceB:             "accounts_archive",
			algorithm:           "join",
			compareMode:         "coerce",
			joinType:            "left",
			filter:              "owner IS NOT NULL",
			showOnlyDifferences: false,
			sampleSize:          500,
			resultsSchema:       "diffs",
		}
		cfg, err := buildComparisonConfig(f, changedSet(
			"algorithm", "compare-mode", "join-type", "filter", "show-only-differences", "sample-size", "results-schema",
		), &prior)
		require.NoError(t, err)
		assert.Equal(t, prior.SourceA, cfg.SourceA)
		assert.Equal(t, comparison.TableSource("accounts_archive"), cfg.SourceB)
		assert.Equal(t, comparison.AlgorithmJoin, cfg.Algorithm)
		assert.Equal(t, comparison.CompareCoerce, cfg.CompareMode)
		assert.Equal(t, comparison.JoinLeft, cfg.JoinType)
		assert.Equal(t, comparison.FilterCommon, cfg.FilterMode)
		assert.Equal(t, "owner IS NOT NULL", cfg.CommonFilter)
		assert.False(t, cfg.ShowOnlyDifferences)
		assert.Equal(t, int64(500), cfg.SampleSize)
		assert.Equal(t, "diffs", cfg.ResultsSchema)
	})

	t.Run("explicit filter mode wins", func(t *testing.T) {
		prior := accountsRunConfig(comparison.AlgorithmJoin)
		cfg, err := buildComparisonConfig(runFlags{filterA: "id > 1", filterMode: "common"},
			changedSet("filter-a", "filter-mode"), &prior)
		require.NoError(t, err)
		assert.Equal(t, comparison.FilterCommon, cfg.FilterMode)
		assert.Equal(t, "id > 1", cfg.FilterA, "per-side filters are kept for a later switch")
	})
}

func TestExecuteRunPlain(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newTestApp(t)

	var (
		mu     sync.Mutex
		stages []comparison.Stage
	)
	record := func(p comparison.Progress) {
		mu.Lock()
		stages = append(stages, p.Stage)
		mu.Unlock()
		if p.Stage == comparison.StageCounting {
			info, err := ReadTaskInfo("accounts")
			if assert.NoError(t, err, "task file exists while running") {
				assert.Equal(t, os.Getpid(), info.PID)
				assert.Equal(t, "accounts", info.SourceA)
			}
		}
	}

	res, err := executeRun(context.Background(), a, "accounts", accountsRunConfig(comparison.AlgorithmHashBucket), false, record)
	require.NoError(t, err)
	assert.Equal(t, comparison.StageCompleted, res.Stage)
	assert.Equal(t, int64(3), res.Progress.DiffRows)

	mu.Lock()
	assert.Contains(t, stages, comparison.StageCounting)
	mu.Unlock()

	for _, path := range []string{GetPIDFilePath("accounts"), GetTaskFilePath("accounts"), GetStopFilePath("accounts")} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "%s removed after the run", path)
	}
}

func TestExecuteRunStopFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	a := newTestApp(t)

	var stopped atomic.Bool
	sink := func(p comparison.Progress) {
		if p.Stage != comparison.StageBucketComplete || !stopped.CompareAndSwap(false, true) {
			return
		}
		assert.NoError(t, requestStop("accounts"))
		assert.Eventually(t, func() bool {
			live, ok := a.service.Progress("accounts")
			return ok && live.CancelRequested
		}, 5*time.Second, 10*time.Millisecond, "stop file was not picked up")
	}

	res, err := executeRun(context.Background(), a, "accounts", accountsRunConfig(comparison.AlgorithmHashBucket), false, sink)
	require.NoError(t, err)
	assert.Equal(t, comparison.StagePartial, res.Stage)
	assert.NotEmpty(t, res.ResultsTableName)
}

func TestRequestStopWithoutRun(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	assert.ErrorIs(t, requestStop("accounts"), errNoActiveRun)
	assert.Error(t, requestStop("../etc"))
}

func TestWatchStopFile(t *testing.T) {
	path := t.TempDir() + "/stop/orders"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 2)
	watchStopFile(ctx, path, func() { fired <- struct{}{} })
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o600))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("stop callback not called")
	}

	existing := t.TempDir() + "/already"
	require.NoError(t, os.WriteFile(existing, nil, 0o600))
	watchStopFile(ctx, existing, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("existing stop file not detected")
	}
}

func TestTaskWriterThrottles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	w := newTaskWriter("orders", accountsRunConfig(comparison.AlgorithmJoin))

	w.sink(comparison.Progress{Stage: comparison.StageCounting})
	w.sink(comparison.Progress{Stage: comparison.StageInserting, ProcessedRows: 10})
	info, err := ReadTaskInfo("orders")
	require.NoError(t, err)
	assert.Equal(t, comparison.StageCounting, info.Stage, "updates inside the interval are held back")

	w.sink(comparison.Progress{Stage: comparison.StageCompleted, DiffRows: 4})
	info, err = ReadTaskInfo("orders")
	require.NoError(t, err)
	assert.Equal(t, comparison.StageCompleted, info.Stage, "terminal stages are always written")
	assert.Equal(t, int64(4), info.DiffRows)
	assert.Equal(t, 1.0, info.Progress)
}
