package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// DefaultTable holds comparison records when the SQL store is used.
const DefaultTable = "data_compare_comparisons"

// SQLStore keeps comparison records as JSON payloads in a table of the engine.
type SQLStore struct {
	db      *sql.DB
	dialect engine.Dialect
	table   string
}

// NewSQLStore returns a store over db. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect engine.Dialect, table string) (*SQLStore, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := sqlsafe.CheckIdentifier(table); err != nil {
		return nil, fmt.Errorf("invalid store table: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, table: table}, nil
}

func (s *SQLStore) quoted() string { return s.dialect.Quote(s.table) }

// Migrate creates the records table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	payload := "TEXT"
	if s.dialect.Name() == engine.DriverMySQL {
		payload = "LONGTEXT"
	}
	stmt := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s VARCHAR(128) PRIMARY KEY, %s VARCHAR(255) NOT NULL, %s %s NOT NULL, %s VARCHAR(64) NOT NULL)",
		s.quoted(), s.dialect.Quote("id"), s.dialect.Quote("name"), s.dialect.Quote("payload"), payload, s.dialect.Quote("updated_at"))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*comparison.Comparison, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.dialect.Quote("payload"), s.quoted(), s.dialect.Quote("id"), s.dialect.Placeholder(1))

	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(payload)
}

// Put replaces the record in one transaction.
func (s *SQLStore) Put(ctx context.Context, c *comparison.Comparison) error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.quoted(), s.dialect.Quote("id"), s.dialect.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, c.ID); err != nil {
		return err
	}
	ins := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (%s, %s, %s, %s)",
		s.quoted(),
		s.dialect.Quote("id"), s.dialect.Quote("name"), s.dialect.Quote("payload"), s.dialect.Quote("updated_at"),
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3), s.dialect.Placeholder(4))
	if _, err := tx.ExecContext(ctx, ins, c.ID, c.Name, string(data), c.UpdatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.quoted(), s.dialect.Quote("id"), s.dialect.Placeholder(1))
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*comparison.Comparison, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", s.dialect.Quote("payload"), s.quoted())
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*comparison.Comparison
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		c, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortComparisons(out)
	return out, nil
}

func decode(payload string) (*comparison.Comparison, error) {
	var c comparison.Comparison
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("failed to decode stored comparison: %w", err)
	}
	return &c, nil
}
