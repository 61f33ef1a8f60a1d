package formatters

import (
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// ParquetStreamingFormatter writes Parquet with internal compression.
type ParquetStreamingFormatter struct {
	compression string
}

// NewParquetStreamingFormatter creates a Parquet formatter with the given codec
// (zstd, gzip, lz4, snappy or none; anything else means snappy).
func NewParquetStreamingFormatter(compression string) *ParquetStreamingFormatter {
	return &ParquetStreamingFormatter{compression: compression}
}

// NewWriter defers creating the Parquet writer until the first chunk so column
// kinds the schema leaves unknown can be inferred from real values.
func (f *ParquetStreamingFormatter) NewWriter(w io.Writer, schema Schema) (StreamWriter, error) {
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("parquet output needs at least one column")
	}
	return &parquetStreamWriter{out: w, schema: schema, codec: f.codec()}, nil
}

func (f *ParquetStreamingFormatter) codec() parquet.WriterOption {
	switch f.compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

func (f *ParquetStreamingFormatter) Extension() string {
	return ".parquet"
}

func (f *ParquetStreamingFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}

type parquetStreamWriter struct {
	out    io.Writer
	schema Schema
	codec  parquet.WriterOption
	writer *parquet.GenericWriter[map[string]any]
}

func (w *parquetStreamWriter) open(rows []map[string]any) {
	w.schema = InferKinds(w.schema, rows)
	fields := make(parquet.Group, len(w.schema.Columns))
	for _, col := range w.schema.Columns {
		var field parquet.Node
		switch col.Kind {
		case KindBool:
			field = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		case KindInt:
			field = parquet.Optional(parquet.Leaf(parquet.Int64Type))
		case KindFloat:
			field = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		default:
			field = parquet.Optional(parquet.String())
		}
		fields[col.Name] = field
	}
	w.writer = parquet.NewGenericWriter[map[string]any](w.out, parquet.NewSchema("comparison_results", fields), w.codec)
}

// WriteChunk writes rows, coercing each value to its column kind. Values that
// cannot be coerced are written as NULL.
func (w *parquetStreamWriter) WriteChunk(rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	if w.writer == nil {
		w.open(rows)
	}

	batch := make([]map[string]any, len(rows))
	for i, row := range rows {
		rec := make(map[string]any, len(w.schema.Columns))
		for _, col := range w.schema.Columns {
			rec[col.Name] = coerce(row[col.Name], col.Kind)
		}
		batch[i] = rec
	}
	if _, err := w.writer.Write(batch); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return nil
}

// Close writes the footer. An export without rows still produces a valid file.
func (w *parquetStreamWriter) Close() error {
	if w.writer == nil {
		w.open(nil)
	}
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func coerce(v any, kind Kind) any {
	if v == nil {
		return nil
	}
	switch kind {
	case KindInt:
		switch x := v.(type) {
		case int64:
			return x
		case float64:
			return int64(x)
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n
			}
		}
		return nil
	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f
			}
		}
		return nil
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
		return nil
	}
	return text(v)
}
