package comparison

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/engine"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Config{Driver: "sqlite", DSN: ":memory:"}, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func execAll(t *testing.T, eng *engine.Engine, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := eng.Exec(context.Background(), s)
		require.NoError(t, err, s)
	}
}

const ordersDDL = `(order_id INTEGER PRIMARY KEY, customer_id INTEGER, amount REAL, status TEXT)`

// seedOrders creates orders_2023 with n rows and orders_2023_copy where orders
// 10, 500 and 1500 differ by amount, 20 and 1999 are missing and 5000 is extra.
func seedOrders(t *testing.T, eng *engine.Engine, n int) {
	t.Helper()
	execAll(t, eng,
		"CREATE TABLE orders_2023 "+ordersDDL,
		"CREATE TABLE orders_2023_copy "+ordersDDL,
		fmt.Sprintf(`WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < %d)
			INSERT INTO orders_2023 SELECT n, n %% 97, n * 1.5, 'open' FROM seq`, n),
		"INSERT INTO orders_2023_copy SELECT * FROM orders_2023",
		"UPDATE orders_2023_copy SET amount = amount + 1 WHERE order_id IN (10, 500, 1500)",
		"DELETE FROM orders_2023_copy WHERE order_id IN (20, 1999)",
		"INSERT INTO orders_2023_copy VALUES (5000, 1, 10.0, 'open')",
	)
}

func ordersConfig(algorithm Algorithm) *Config {
	cfg := &Config{
		SourceA:             TableSource("orders_2023"),
		SourceB:             TableSource("orders_2023_copy"),
		JoinColumns:         []string{"order_id"},
		ShowOnlyDifferences: true,
		Algorithm:           algorithm,
	}
	cfg.ApplyDefaults()
	return cfg
}

func analyze(t *testing.T, eng Engine, cfg *Config) *SchemaComparisonResult {
	t.Helper()
	schema, err := NewAnalyzer(eng, nil, newTestLogger()).Analyze(context.Background(), cfg.SourceA, cfg.SourceB, cfg.Mappings())
	require.NoError(t, err)
	return schema
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Threshold = 200
	opts.RetryDelay = 0
	opts.Logger = newTestLogger()
	return opts
}

// dumpTable renders every row of table ordered by orderBy.
func dumpTable(t *testing.T, eng *engine.Engine, table, orderBy string) []string {
	t.Helper()
	rows, err := eng.Query(context.Background(), fmt.Sprintf("SELECT * FROM %s ORDER BY %s", table, orderBy))
	require.NoError(t, err)
	defer rows.Close()

	cols, err := rows.Columns()
	require.NoError(t, err)

	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(t, rows.Scan(ptrs...))
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = fmt.Sprint(v)
		}
		out = append(out, strings.Join(parts, "|"))
	}
	require.NoError(t, rows.Err())
	return out
}
