package comparison

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/engine"
)

type mapCache struct {
	entries map[string]int64
	gets    int
}

func (c *mapCache) Get(key string) (int64, bool) {
	c.gets++
	n, ok := c.entries[key]
	return n, ok
}

func (c *mapCache) Put(key string, n int64) { c.entries[key] = n }

func TestReconcile(t *testing.T) {
	colsA := []engine.Column{
		{Name: "id", Type: "INTEGER", PrimaryKey: true},
		{Name: "customer_id", Type: "integer"},
		{Name: "amount", Type: "numeric(10,2)"},
		{Name: "note", Type: "text"},
	}
	colsB := []engine.Column{
		{Name: "id", Type: "integer not null"},
		{Name: "customer_id", Type: "bigint"},
		{Name: "total", Type: "NUMERIC(10,2)"},
		{Name: "extra", Type: "text"},
	}

	r := reconcile(colsA, colsB, map[string]string{"amount": "total"})
	require.Len(t, r.CommonColumns, 3)
	assert.Equal(t, ColumnComparison{Name: "id", TypeA: "INTEGER", TypeB: "integer not null", TypesMatch: true}, r.CommonColumns[0])
	assert.False(t, r.CommonColumns[1].TypesMatch)
	assert.Equal(t, "total", r.CommonColumns[2].NameB)
	assert.True(t, r.CommonColumns[2].TypesMatch)
	assert.Equal(t, []string{"note"}, r.OnlyInA)
	assert.Equal(t, []string{"extra"}, r.OnlyInB)
	assert.Equal(t, []string{"id"}, r.SuggestedKeys)
}

func TestSuggestKeys(t *testing.T) {
	tests := []struct {
		name  string
		colsA []engine.Column
		colsB []engine.Column
		want  []string
	}{
		{
			name:  "prefers id",
			colsA: []engine.Column{{Name: "order_id", Type: "int"}, {Name: "id", Type: "int"}},
			colsB: []engine.Column{{Name: "order_id", Type: "int"}, {Name: "id", Type: "int"}},
			want:  []string{"id"},
		},
		{
			name:  "first _id column with matching type",
			colsA: []engine.Column{{Name: "customer_id", Type: "int"}, {Name: "order_id", Type: "int"}},
			colsB: []engine.Column{{Name: "customer_id", Type: "text"}, {Name: "order_id", Type: "int"}},
			want:  []string{"order_id"},
		},
		{
			name:  "falls back to primary key",
			colsA: []engine.Column{{Name: "region", Type: "text", PrimaryKey: true}, {Name: "day", Type: "date", PrimaryKey: true}, {Name: "v", Type: "int"}},
			colsB: []engine.Column{{Name: "region", Type: "text", PrimaryKey: true}, {Name: "day", Type: "date", PrimaryKey: true}, {Name: "v", Type: "int"}},
			want:  []string{"region", "day"},
		},
		{
			name:  "nothing suitable",
			colsA: []engine.Column{{Name: "a", Type: "int"}},
			colsB: []engine.Column{{Name: "a", Type: "int"}},
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := reconcile(tt.colsA, tt.colsB, nil)
			assert.Equal(t, tt.want, r.SuggestedKeys)
		})
	}
}

func TestTypesMatch(t *testing.T) {
	assert.True(t, typesMatch("VARCHAR(20)", "varchar(20) NOT NULL"))
	assert.True(t, typesMatch("Nullable(Int32)", "int32"))
	assert.True(t, typesMatch("double  precision", "DOUBLE PRECISION NULL"))
	assert.False(t, typesMatch("int", "bigint"))
}

func TestAnalyzeSQLite(t *testing.T) {
	eng := openEngine(t)
	seedOrders(t, eng, 2000)
	cache := &mapCache{entries: map[string]int64{}}
	analyzer := NewAnalyzer(eng, cache, newTestLogger())

	r, err := analyzer.Analyze(context.Background(), TableSource("orders_2023"), TableSource("orders_2023_copy"), nil)
	require.NoError(t, err)
	assert.Len(t, r.CommonColumns, 4)
	assert.Equal(t, []string{"order_id"}, r.SuggestedKeys)
	assert.Equal(t, int64(2000), r.RowCountA)
	assert.Equal(t, int64(1999), r.RowCountB)
	assert.Equal(t, ProvenanceQuery, r.RowCountProvenance)
	assert.Len(t, cache.entries, 2)

	// counts come from the cache the second time
	_, err = eng.Exec(context.Background(), "DELETE FROM orders_2023 WHERE order_id > 1000")
	require.NoError(t, err)
	r, err = analyzer.Analyze(context.Background(), TableSource("orders_2023"), TableSource("orders_2023_copy"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), r.RowCountA)
}

func TestAnalyzeFailures(t *testing.T) {
	eng := openEngine(t)
	execAll(t, eng, "CREATE TABLE a (id INTEGER)")
	analyzer := NewAnalyzer(eng, nil, newTestLogger())

	_, err := analyzer.Analyze(context.Background(), TableSource("a"), TableSource("nope"), nil)
	var sfe *SchemaFetchError
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "B", sfe.Side)
	assert.ErrorIs(t, err, ErrSchemaFetch)
	assert.ErrorIs(t, err, engine.ErrTableNotFound)

	_, err = analyzer.Analyze(context.Background(), QuerySource("DELETE FROM a", ""), TableSource("a"), nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = analyzer.Analyze(context.Background(), QuerySource("SELECT missing FROM a", ""), TableSource("a"), nil)
	require.ErrorAs(t, err, &sfe)
	assert.Equal(t, "A", sfe.Side)
}
