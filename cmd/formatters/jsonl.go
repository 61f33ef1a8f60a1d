package formatters

import (
	"bytes"
	"encoding/json"
	"io"
)

// JSONLStreamingFormatter handles JSONL format output in streaming mode
type JSONLStreamingFormatter struct{}

// NewJSONLStreamingFormatter creates a new JSONL streaming formatter
func NewJSONLStreamingFormatter() *JSONLStreamingFormatter {
	return &JSONLStreamingFormatter{}
}

// NewWriter creates a new JSONL stream writer. Object keys follow schema order.
func (f *JSONLStreamingFormatter) NewWriter(w io.Writer, schema Schema) (StreamWriter, error) {
	keys := make([][]byte, len(schema.Columns))
	for i, col := range schema.Columns {
		k, err := json.Marshal(col.Name)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &jsonlStreamWriter{writer: w, columns: schema.Names(), keys: keys}, nil
}

func (f *JSONLStreamingFormatter) Extension() string {
	return ".jsonl"
}

func (f *JSONLStreamingFormatter) MIMEType() string {
	return "application/x-ndjson"
}

type jsonlStreamWriter struct {
	writer  io.Writer
	columns []string
	keys    [][]byte
	buf     bytes.Buffer
}

// WriteChunk writes a chunk of rows in JSONL format
func (w *jsonlStreamWriter) WriteChunk(rows []map[string]any) error {
	for _, row := range rows {
		w.buf.Reset()
		w.buf.WriteByte('{')
		for i, col := range w.columns {
			if i > 0 {
				w.buf.WriteByte(',')
			}
			w.buf.Write(w.keys[i])
			w.buf.WriteByte(':')
			val, err := json.Marshal(row[col])
			if err != nil {
				return err
			}
			w.buf.Write(val)
		}
		w.buf.WriteString("}\n")

		if _, err := w.writer.Write(w.buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op, JSONL has no footer.
func (w *jsonlStreamWriter) Close() error {
	return nil
}
