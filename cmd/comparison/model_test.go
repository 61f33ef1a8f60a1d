package comparison

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterModeRoundTrip(t *testing.T) {
	cfg := Config{FilterMode: FilterSeparate, FilterA: "a > 1", FilterB: "b < 2", CommonFilter: "c = 3"}

	a, b := cfg.Filters()
	assert.Equal(t, "a > 1", a)
	assert.Equal(t, "b < 2", b)

	cfg.SetFilterMode(FilterCommon)
	a, b = cfg.Filters()
	assert.Equal(t, "c = 3", a)
	assert.Equal(t, "c = 3", b)

	cfg.SetFilterMode(FilterSeparate)
	assert.Equal(t, "a > 1", cfg.FilterA)
	assert.Equal(t, "b < 2", cfg.FilterB)
}

func TestTableSource(t *testing.T) {
	assert.Equal(t, Source{Kind: SourceTable, Name: "orders"}, TableSource("orders"))
	assert.Equal(t, Source{Kind: SourceTable, Schema: "sales", Name: "orders"}, TableSource("sales.orders"))
	assert.Equal(t, "sales.orders", TableSource("sales.orders").Label())
}

func TestSetConfigInvalidatesSchema(t *testing.T) {
	c := NewComparison("c1", "")
	assert.Equal(t, "c1", c.Name)
	assert.Nil(t, c.Config)
	assert.Equal(t, StageIdle, c.LastStage)

	base := Config{SourceA: TableSource("a"), SourceB: TableSource("b"), JoinColumns: []string{"id"}}
	c.SetConfig(base)
	require.NotNil(t, c.Config)
	assert.Equal(t, AlgorithmAuto, c.Config.Algorithm)
	assert.Equal(t, JoinFull, c.Config.JoinType)

	c.SchemaComparison = &SchemaComparisonResult{}

	changed := base
	changed.ShowOnlyDifferences = true
	changed.CommonFilter = "id > 1"
	c.SetConfig(changed)
	assert.NotNil(t, c.SchemaComparison, "filters do not change the schema")

	changed.ColumnMappings = map[string]string{"x": "y"}
	c.SetConfig(changed)
	assert.Nil(t, c.SchemaComparison, "mappings do")

	c.SchemaComparison = &SchemaComparisonResult{}
	changed.SourceB = TableSource("b2")
	c.SetConfig(changed)
	assert.Nil(t, c.SchemaComparison, "sources do")

	// the stored config is a copy
	changed.ColumnMappings["x"] = "z"
	assert.Equal(t, "y", c.Config.ColumnMappings["x"])
}

func TestComparisonJSON(t *testing.T) {
	c := NewComparison("c1", "orders")
	c.SetConfig(Config{SourceA: QuerySource("SELECT 1 AS id", "q1"), SourceB: TableSource("b"), JoinColumns: []string{"id"}})
	c.ResultsTableName = ResultsTableName(c.ID)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back Comparison
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, c.Config, back.Config)
	assert.Equal(t, "comparison_results_c1", back.ResultsTableName)
	assert.Contains(t, string(data), `"kind":"query"`)
}
