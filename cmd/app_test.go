package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/orchestrator"
	"github.com/airframesio/data-compare/cmd/store"
)

// newTestApp builds an app over an in-memory SQLite database holding an
// accounts table and a replica with three differences.
func newTestApp(t *testing.T) *app {
	t.Helper()
	ctx := context.Background()

	eng, err := engine.Open(ctx, engine.Config{Driver: engine.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)

	stmts := []string{
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER, owner TEXT)",
		"CREATE TABLE accounts_replica (id INTEGER PRIMARY KEY, balance INTEGER, owner TEXT)",
		`WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 1000)
			INSERT INTO accounts SELECT n, n * 10, 'owner-' || n FROM seq`,
		"INSERT INTO accounts_replica SELECT * FROM accounts",
		"UPDATE accounts_replica SET balance = 0 WHERE id IN (7, 700)",
		"DELETE FROM accounts_replica WHERE id = 42",
	}
	for _, s := range stmts {
		_, err := eng.Exec(ctx, s)
		require.NoError(t, err, s)
	}

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	execOpts := comparison.DefaultOptions()
	execOpts.Threshold = 100
	execOpts.RetryDelay = 0

	a := &app{
		config:  &Config{},
		engine:  eng,
		store:   st,
		metrics: comparison.NewPrometheusMetrics(),
	}
	execOpts.Metrics = a.metrics
	a.service = orchestrator.New(eng, st, logger, orchestrator.WithExecutionOptions(execOpts))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func accountsRunConfig(algorithm comparison.Algorithm) comparison.Config {
	cfg := comparison.Config{
		SourceA:             comparison.TableSource("accounts"),
		SourceB:             comparison.TableSource("accounts_replica"),
		JoinColumns:         []string{"id"},
		ShowOnlyDifferences: true,
		Algorithm:           algorithm,
	}
	cfg.ApplyDefaults()
	return cfg
}
