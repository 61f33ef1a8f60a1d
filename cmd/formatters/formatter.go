package formatters

import (
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// Format type constants
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Kind is the storage class of an exported column.
type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

// Column describes one exported column.
type Column struct {
	Name string
	Kind Kind
}

// Schema is the ordered column list of an export. Writers emit columns in this order.
type Schema struct {
	Columns []Column
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// StreamWriter writes rows chunk by chunk. Close flushes any footer but does not
// close the underlying writer.
type StreamWriter interface {
	WriteChunk(rows []map[string]any) error
	Close() error
}

// StreamingFormatter creates stream writers for one output format.
type StreamingFormatter interface {
	NewWriter(w io.Writer, schema Schema) (StreamWriter, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv", ".parquet")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetStreamingFormatter returns the formatter for format. compression is only used
// by formats that compress internally.
func GetStreamingFormatter(format, compression string) (StreamingFormatter, error) {
	switch format {
	case FormatJSONL, "":
		return NewJSONLStreamingFormatter(), nil
	case FormatCSV:
		return NewCSVStreamingFormatter(), nil
	case FormatParquet:
		return NewParquetStreamingFormatter(compression), nil
	}
	return nil, fmt.Errorf("unsupported output format: %s", format)
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return format == FormatParquet
}

// Normalize converts a value scanned from database/sql into one of the types the
// writers understand: nil, bool, int64, float64 or string.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return x
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}

// KindOf reports the kind of a normalized value.
func KindOf(v any) Kind {
	switch v.(type) {
	case bool:
		return KindBool
	case int64:
		return KindInt
	case float64:
		return KindFloat
	case string:
		return KindString
	}
	return KindUnknown
}

// InferKinds fills in unknown column kinds from rows. A column whose values disagree
// widens to string, except int and float which widen to float.
func InferKinds(schema Schema, rows []map[string]any) Schema {
	out := Schema{Columns: make([]Column, len(schema.Columns))}
	for i, col := range schema.Columns {
		out.Columns[i] = col
		if col.Kind != KindUnknown {
			continue
		}
		kind := KindUnknown
		for _, row := range rows {
			k := KindOf(row[col.Name])
			switch {
			case k == KindUnknown || k == kind:
			case kind == KindUnknown:
				kind = k
			case (kind == KindInt && k == KindFloat) || (kind == KindFloat && k == KindInt):
				kind = KindFloat
			default:
				kind = KindString
			}
		}
		if kind == KindUnknown {
			kind = KindString
		}
		out.Columns[i].Kind = kind
	}
	return out
}

// text renders a value for text formats. nil renders as the empty string.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	}
	return fmt.Sprintf("%v", v)
}
