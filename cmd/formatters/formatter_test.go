package formatters

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var diffSchema = Schema{Columns: []Column{
	{Name: "diff_type"},
	{Name: "id"},
	{Name: "balance__a"},
	{Name: "balance__b"},
}}

func diffRows() []map[string]any {
	return []map[string]any{
		{"diff_type": "differs", "id": int64(7), "balance__a": int64(70), "balance__b": int64(0)},
		{"diff_type": "only_in_a", "id": int64(42), "balance__a": int64(420), "balance__b": nil},
		{"diff_type": "only_in_b", "id": int64(1001), "balance__a": nil, "balance__b": 2.5},
	}
}

func write(t *testing.T, f StreamingFormatter, schema Schema, chunks ...[]map[string]any) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := f.NewWriter(&buf, schema)
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.WriteChunk(c))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestJSONLKeepsColumnOrder(t *testing.T) {
	rows := diffRows()
	out := write(t, NewJSONLStreamingFormatter(), diffSchema, rows[:1], rows[1:])

	expected := `{"diff_type":"differs","id":7,"balance__a":70,"balance__b":0}
{"diff_type":"only_in_a","id":42,"balance__a":420,"balance__b":null}
{"diff_type":"only_in_b","id":1001,"balance__a":null,"balance__b":2.5}
`
	assert.Equal(t, expected, string(out))
}

func TestCSVWritesHeaderAndEmptyNulls(t *testing.T) {
	out := write(t, NewCSVStreamingFormatter(), diffSchema, diffRows())

	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"diff_type", "id", "balance__a", "balance__b"}, records[0])
	assert.Equal(t, []string{"only_in_a", "42", "420", ""}, records[2])
	assert.Equal(t, []string{"only_in_b", "1001", "", "2.5"}, records[3])
}

func TestCSVHeaderWithoutRows(t *testing.T) {
	out := write(t, NewCSVStreamingFormatter(), diffSchema)
	assert.Equal(t, "diff_type,id,balance__a,balance__b\n", string(out))
}

func TestParquetWritesAllRows(t *testing.T) {
	for _, codec := range []string{"snappy", "zstd", "gzip", "lz4", "none"} {
		t.Run(codec, func(t *testing.T) {
			rows := diffRows()
			out := write(t, NewParquetStreamingFormatter(codec), diffSchema, rows[:2], rows[2:])

			f, err := parquet.OpenFile(bytes.NewReader(out), int64(len(out)))
			require.NoError(t, err)
			assert.Equal(t, int64(3), f.NumRows())

			names := map[string]bool{}
			for _, field := range f.Schema().Fields() {
				names[field.Name()] = true
			}
			for _, col := range diffSchema.Columns {
				assert.True(t, names[col.Name], col.Name)
			}
		})
	}
}

func TestParquetWithoutRows(t *testing.T) {
	out := write(t, NewParquetStreamingFormatter(""), diffSchema)
	f, err := parquet.OpenFile(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.NumRows())
}

func TestParquetNeedsColumns(t *testing.T) {
	_, err := NewParquetStreamingFormatter("").NewWriter(&bytes.Buffer{}, Schema{})
	assert.Error(t, err)
}

func TestInferKinds(t *testing.T) {
	s := InferKinds(diffSchema, diffRows())
	assert.Equal(t, KindString, s.Columns[0].Kind)
	assert.Equal(t, KindInt, s.Columns[1].Kind)
	assert.Equal(t, KindInt, s.Columns[2].Kind)
	assert.Equal(t, KindFloat, s.Columns[3].Kind, "int and float widen to float")

	mixed := InferKinds(Schema{Columns: []Column{{Name: "v"}, {Name: "empty"}, {Name: "fixed", Kind: KindBool}}},
		[]map[string]any{{"v": int64(1)}, {"v": "x"}})
	assert.Equal(t, KindString, mixed.Columns[0].Kind)
	assert.Equal(t, KindString, mixed.Columns[1].Kind, "all-null columns default to string")
	assert.Equal(t, KindBool, mixed.Columns[2].Kind, "known kinds are kept")
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "abc", Normalize([]byte("abc")))
	assert.Equal(t, int64(5), Normalize(int32(5)))
	assert.Equal(t, 1.5, Normalize(float32(1.5)))
	assert.Equal(t, "2024-03-01T12:30:00Z", Normalize(ts))
	assert.Nil(t, Normalize(nil))
	assert.Equal(t, true, Normalize(true))
}

func TestCoerce(t *testing.T) {
	assert.Equal(t, int64(3), coerce("3", KindInt))
	assert.Nil(t, coerce("x", KindInt))
	assert.Equal(t, 2.0, coerce(int64(2), KindFloat))
	assert.Equal(t, true, coerce(int64(1), KindBool))
	assert.Equal(t, "7", coerce(int64(7), KindString))
	assert.Nil(t, coerce(nil, KindString))
}

func TestGetStreamingFormatter(t *testing.T) {
	for format, ext := range map[string]string{"jsonl": ".jsonl", "csv": ".csv", "parquet": ".parquet", "": ".jsonl"} {
		f, err := GetStreamingFormatter(format, "zstd")
		require.NoError(t, err)
		assert.Equal(t, ext, f.Extension())
	}
	_, err := GetStreamingFormatter("xml", "")
	assert.Error(t, err)
	assert.True(t, UsesInternalCompression(FormatParquet))
	assert.False(t, UsesInternalCompression(FormatCSV))
}
