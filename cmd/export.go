package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/compressors"
	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/formatters"
	"github.com/airframesio/data-compare/cmd/store"
)

var ErrNoResultsTable = errors.New("comparison has no results table, run it first")

var exportCmd = &cobra.Command{
	Use:   "export <comparison-id>",
	Short: "Export the results table of a comparison",
	Long: `Streams the results table of a comparison as JSONL, CSV or Parquet, compressed
with zstd, lz4 or gzip, to a local file, to stdout (--output -) or to S3 under a key
built from the path template.`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		defer recoverPanic()
		exitOnError("Export", runExport(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)

	f := exportCmd.Flags()
	f.StringP("output", "o", "", "local file or directory to write to, - for stdout (default uploads to S3)")
	f.String("format", formatters.FormatJSONL, "output format: jsonl, csv, parquet")
	f.String("compression", "zstd", "compression: zstd, lz4, gzip, none")
	f.Int("compression-level", 3, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")
	f.Int("chunk-size", 10000, "rows per write (100-1000000)")
	f.StringSlice("diff-type", nil, "only export these diff types: match, differs, only_in_a, only_in_b")

	f.String("s3-endpoint", "", "S3 endpoint URL")
	f.String("s3-bucket", "", "S3 bucket name")
	f.String("s3-access-key", "", "S3 access key")
	f.String("s3-secret-key", "", "S3 secret key")
	f.String("s3-region", regionAuto, "S3 region")
	f.String("path-template", "data-compare/{comparison}/{YYYY}/{MM}/", "S3 key template ({comparison}, {table}, {YYYY}, {MM}, {DD}, {HH})")

	bind := map[string]string{
		"export.output":            "output",
		"export.format":            "format",
		"export.compression":       "compression",
		"export.compression_level": "compression-level",
		"export.chunk_size":        "chunk-size",
		"export.diff_types":        "diff-type",
		"s3.endpoint":              "s3-endpoint",
		"s3.bucket":                "s3-bucket",
		"s3.access_key":            "s3-access-key",
		"s3.secret_key":            "s3-secret-key",
		"s3.region":                "s3-region",
		"s3.path_template":         "path-template",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runExport(id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	// Keep stdout clean when the export itself goes there.
	toStdout := viper.GetString("export.output") == "-"
	config := setupCommand(toStdout)
	if err := config.ValidateExport(); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer closeApp(a)

	c, err := a.service.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.ResultsTableName == "" {
		return fmt.Errorf("%w: %s", ErrNoResultsTable, id)
	}

	start := time.Now()
	var (
		rows   int64
		target string
	)
	switch out := config.Export.Output; {
	case out == "-":
		target = "stdout"
		rows, err = exportResults(ctx, a.engine, c.ResultsTableName, config.Export, os.Stdout)
	case out != "":
		target, rows, err = exportToFile(ctx, a.engine, id, c.ResultsTableName, config.Export, start)
	default:
		target, rows, err = exportToS3(ctx, a.engine, id, c.ResultsTableName, config, start)
	}
	if err != nil {
		return err
	}

	logger.Info(fmt.Sprintf("✅ Exported %d rows of %s to %s in %s", rows, c.ResultsTableName, target, time.Since(start).Round(time.Millisecond)))
	return nil
}

// extensions returns the format and compression file extensions of an export.
func extensions(cfg ExportConfig) (string, string, error) {
	formatter, err := formatters.GetStreamingFormatter(cfg.Format, cfg.Compression)
	if err != nil {
		return "", "", err
	}
	if formatters.UsesInternalCompression(cfg.Format) {
		return formatter.Extension(), "", nil
	}
	compressor, err := compressors.GetCompressor(cfg.Compression)
	if err != nil {
		return "", "", err
	}
	return formatter.Extension(), compressor.Extension(), nil
}

// exportQuery selects the results table, restricted to diffTypes when given.
func exportQuery(d engine.Dialect, table string, diffTypes []string) (string, []any) {
	query := "SELECT * FROM " + d.QuoteTable(comparison.TableSource(table).Ref())
	if len(diffTypes) == 0 {
		return query, nil
	}
	placeholders := make([]string, len(diffTypes))
	args := make([]any, len(diffTypes))
	for i, t := range diffTypes {
		placeholders[i] = d.Placeholder(i + 1)
		args[i] = t
	}
	query += fmt.Sprintf(" WHERE %s IN (%s)", d.Quote(comparison.DiffTypeColumn), strings.Join(placeholders, ", "))
	return query, args
}

// exportResults streams the results table into w, chunk by chunk. Column kinds
// are inferred from the first chunk.
func exportResults(ctx context.Context, eng *engine.Engine, table string, cfg ExportConfig, w io.Writer) (int64, error) {
	formatter, err := formatters.GetStreamingFormatter(cfg.Format, cfg.Compression)
	if err != nil {
		return 0, err
	}

	out := io.WriteCloser(nopCloser{w})
	if !formatters.UsesInternalCompression(cfg.Format) {
		compressor, err := compressors.GetCompressor(cfg.Compression)
		if err != nil {
			return 0, err
		}
		out, err = compressor.NewWriter(w, cfg.CompressionLevel)
		if err != nil {
			return 0, fmt.Errorf("failed to create compressor: %w", err)
		}
	}

	query, args := exportQuery(eng.Dialect(), table, cfg.DiffTypes)
	rows, err := eng.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query results table %s: %w", table, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	schema := formatters.Schema{Columns: make([]formatters.Column, len(names))}
	for i, n := range names {
		schema.Columns[i] = formatters.Column{Name: n}
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10000
	}

	var (
		writer formatters.StreamWriter
		total  int64
		chunk  = make([]map[string]any, 0, chunkSize)
	)
	flush := func() error {
		if writer == nil {
			var err error
			if writer, err = formatter.NewWriter(out, formatters.InferKinds(schema, chunk)); err != nil {
				return fmt.Errorf("failed to create %s writer: %w", cfg.Format, err)
			}
		}
		if len(chunk) == 0 {
			return nil
		}
		if err := writer.WriteChunk(chunk); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
		total += int64(len(chunk))
		chunk = chunk[:0]
		return nil
	}

	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return total, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(names))
		for i, n := range names {
			row[n] = formatters.Normalize(values[i])
		}
		chunk = append(chunk, row)
		if len(chunk) >= chunkSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, fmt.Errorf("failed to read results table %s: %w", table, err)
	}
	if err := flush(); err != nil {
		return total, err
	}

	if err := writer.Close(); err != nil {
		return total, fmt.Errorf("failed to finish %s output: %w", cfg.Format, err)
	}
	if err := out.Close(); err != nil {
		return total, fmt.Errorf("failed to flush compressor: %w", err)
	}
	return total, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// exportToFile writes the export to path. A directory gets a generated filename.
// A failed export leaves no partial file behind.
func exportToFile(ctx context.Context, eng *engine.Engine, id, table string, cfg ExportConfig, now time.Time) (string, int64, error) {
	path := cfg.Output
	if info, err := os.Stat(path); (err == nil && info.IsDir()) || strings.HasSuffix(path, string(os.PathSeparator)) {
		formatExt, compressionExt, err := extensions(cfg)
		if err != nil {
			return "", 0, err
		}
		path = filepath.Join(path, GenerateFilename(id, now, formatExt, compressionExt))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create output file: %w", err)
	}
	rows, err := exportResults(ctx, eng, table, cfg, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	return path, rows, nil
}

func newS3Uploader(cfg S3Config) (*s3manager.Uploader, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return s3manager.NewUploader(sess), nil
}

// exportToS3 streams the export into a multipart upload through a pipe, so the
// results table is never held in memory or on disk.
func exportToS3(ctx context.Context, eng *engine.Engine, id, table string, config *Config, now time.Time) (string, int64, error) {
	formatExt, compressionExt, err := extensions(config.Export)
	if err != nil {
		return "", 0, err
	}
	key := NewPathTemplate(config.S3.PathTemplate).ObjectKey(id, table, now, formatExt, compressionExt)

	uploader, err := newS3Uploader(config.S3)
	if err != nil {
		return "", 0, err
	}

	contentType := "application/octet-stream"
	if compressionExt == "" {
		formatter, _ := formatters.GetStreamingFormatter(config.Export.Format, config.Export.Compression)
		contentType = formatter.MIMEType()
	}

	pr, pw := io.Pipe()
	type outcome struct {
		rows int64
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		rows, err := exportResults(ctx, eng, table, config.Export, pw)
		pw.CloseWithError(err)
		done <- outcome{rows, err}
	}()

	logger.Info(fmt.Sprintf("☁️  Uploading to s3://%s/%s", config.S3.Bucket, key))
	_, uploadErr := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(config.S3.Bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String(contentType),
	})
	// Unblock the writer if the upload stopped reading early.
	pr.CloseWithError(uploadErr)
	res := <-done
	if res.err != nil {
		return "", 0, res.err
	}
	if uploadErr != nil {
		return "", 0, fmt.Errorf("failed to upload to S3: %w", uploadErr)
	}
	return fmt.Sprintf("s3://%s/%s", config.S3.Bucket, key), res.rows, nil
}
