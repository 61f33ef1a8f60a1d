package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
)

// CSVStreamingFormatter handles CSV format output in streaming mode
type CSVStreamingFormatter struct{}

// NewCSVStreamingFormatter creates a new CSV streaming formatter
func NewCSVStreamingFormatter() *CSVStreamingFormatter {
	return &CSVStreamingFormatter{}
}

// NewWriter creates a CSV stream writer and writes the header row immediately.
// NULL is written as an empty field.
func (f *CSVStreamingFormatter) NewWriter(w io.Writer, schema Schema) (StreamWriter, error) {
	columnNames := schema.Names()
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(columnNames); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &csvStreamWriter{
		writer:  csvWriter,
		columns: columnNames,
	}, nil
}

func (f *CSVStreamingFormatter) Extension() string {
	return ".csv"
}

func (f *CSVStreamingFormatter) MIMEType() string {
	return "text/csv"
}

type csvStreamWriter struct {
	writer  *csv.Writer
	columns []string
}

// WriteChunk writes a chunk of rows in CSV format
func (w *csvStreamWriter) WriteChunk(rows []map[string]any) error {
	record := make([]string, len(w.columns))
	for _, row := range rows {
		for i, col := range w.columns {
			record[i] = text(row[col])
		}
		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	w.writer.Flush()
	return w.writer.Error()
}

// Close finalizes the CSV output by flushing the writer
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
