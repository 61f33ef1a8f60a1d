// Package engine is the query-execution capability the comparison core runs on: a
// database/sql pool plus the Dialect that knows how to quote, hash and introspect for
// the underlying relational engine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// Static errors for engine configuration and introspection
var (
	ErrUnsupportedDriver = errors.New("unsupported driver: must be one of postgres, sqlite, mysql")
	ErrDSNRequired       = errors.New("engine DSN is required")
	ErrTableNotFound     = errors.New("table not found or has no columns")
	ErrNoColumns         = errors.New("query returns no columns")
)

// Column is one column of a table or query as reported by the engine.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
}

// TableRef names a table or view. Database is an attached catalog (SQLite) or a
// MySQL schema; Schema is a PostgreSQL/SQLite schema.
type TableRef struct {
	Database string
	Schema   string
	Name     string
}

func (r TableRef) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Database, r.Schema, r.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Querier is the read side of *sql.DB, satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Config describes how to reach the engine.
type Config struct {
	Driver           string
	DSN              string
	StatementTimeout time.Duration // 0 = no timeout
	MaxRetries       int           // retry attempts for read queries on connection errors
	RetryDelay       time.Duration
	MaxOpenConns     int
}

// Engine wraps a connection pool and its dialect.
type Engine struct {
	db         *sql.DB
	dialect    Dialect
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// Option customizes an Engine built with New.
type Option func(*Engine)

// WithRetry sets the connection-error retry policy for read queries.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(e *Engine) {
		e.maxRetries = maxRetries
		e.retryDelay = delay
	}
}

// WithStatementTimeout bounds every statement issued through the engine.
func WithStatementTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New wraps an existing pool. Tests use it with sqlmock or an in-memory SQLite pool.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Engine {
	e := &Engine{
		db:         db,
		dialect:    dialect,
		retryDelay: time.Second,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open connects to the engine described by cfg and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %s", sqlsafe.SanitizeError(err.Error()))
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if dialect.Name() == DriverSQLite {
		// In-memory databases are per connection; keep a single one so every
		// statement sees the same tables.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %s", sqlsafe.SanitizeError(err.Error()))
	}

	return New(db, dialect,
		WithRetry(cfg.MaxRetries, cfg.RetryDelay),
		WithStatementTimeout(cfg.StatementTimeout),
		WithLogger(logger),
	), nil
}

// Dialect returns the engine dialect.
func (e *Engine) Dialect() Dialect { return e.dialect }

// DB exposes the underlying pool.
func (e *Engine) DB() *sql.DB { return e.db }

// Close closes the pool.
func (e *Engine) Close() error {
	return e.db.Close()
}

// isConnectionError checks if an error is due to a closed or broken database connection
func isConnectionError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "sql: database is closed")
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// retry runs fn until it succeeds, fails with a non-connection error, or the retry
// budget is spent.
func (e *Engine) retry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Debug(fmt.Sprintf("retrying %s after connection error (attempt %d/%d): %v", what, attempt, e.maxRetries, err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryDelay):
			}
		}
		err = fn()
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || !isConnectionError(err) {
			return err
		}
	}
	return err
}

// Exec runs a statement and returns the number of affected rows. Writes are not
// retried here; callers that know a statement is idempotent retry it themselves.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows for DDL.
		return 0, nil
	}
	return n, nil
}

// ExecBatch runs statements in one transaction and returns the rows affected by
// each. Either all statements take effect or none do.
func (e *Engine) ExecBatch(ctx context.Context, stmts ...string) ([]int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	affected := make([]int64, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = 0
		}
		affected = append(affected, n)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return affected, nil
}

// Query runs a read query, retrying on connection errors. The caller closes the rows.
// The statement timeout is not applied since rows outlive this call.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := e.retry(ctx, "query", func() error {
		var qerr error
		rows, qerr = e.db.QueryContext(ctx, query, args...)
		return qerr
	})
	return rows, err
}

// QueryContext lets the Engine act as a Querier for dialect introspection.
func (e *Engine) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return e.Query(ctx, query, args...)
}

// QueryInt64 runs a single-value query such as COUNT(*). NULL scans as 0.
func (e *Engine) QueryInt64(ctx context.Context, query string, args ...any) (int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var v sql.NullInt64
	err := e.retry(ctx, "scalar query", func() error {
		return e.db.QueryRowContext(ctx, query, args...).Scan(&v)
	})
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

// DescribeTable returns the columns of a table or view from the engine catalog.
func (e *Engine) DescribeTable(ctx context.Context, ref TableRef) ([]Column, error) {
	cols, err := e.dialect.DescribeTable(ctx, e, ref)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, ref)
	}
	return cols, nil
}

// DescribeQuery probes an ad-hoc query with a zero-row execution and reports the
// columns it would return.
func (e *Engine) DescribeQuery(ctx context.Context, query string) ([]Column, error) {
	probe := fmt.Sprintf("SELECT * FROM (%s) %s LIMIT 0", query, e.dialect.Quote("q"))
	rows, err := e.Query(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("failed to probe query: %w", err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read query columns: %w", err)
	}
	if len(types) == 0 {
		return nil, ErrNoColumns
	}

	cols := make([]Column, 0, len(types))
	for _, ct := range types {
		nullable, ok := ct.Nullable()
		cols = append(cols, Column{
			Name:     ct.Name(),
			Type:     strings.ToLower(ct.DatabaseTypeName()),
			Nullable: nullable || !ok,
		})
	}
	return cols, rows.Err()
}

// EstimateRows returns the catalog row-count estimate for a table. ok is false when
// the engine keeps no usable statistic for it.
func (e *Engine) EstimateRows(ctx context.Context, ref TableRef) (count int64, ok bool, err error) {
	return e.dialect.EstimateRows(ctx, e, ref)
}
