package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Postgres is the dialect for lib/pq.
type Postgres struct{}

func (Postgres) Name() string { return DriverPostgres }

func (Postgres) DriverName() string { return "postgres" }

func (Postgres) Quote(name string) string { return pq.QuoteIdentifier(name) }

func (p Postgres) QuoteTable(ref TableRef) string {
	parts := make([]string, 0, 2)
	if ref.Schema != "" {
		parts = append(parts, p.Quote(ref.Schema))
	}
	parts = append(parts, p.Quote(ref.Name))
	return strings.Join(parts, ".")
}

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) HashCeiling() int64 { return 1<<63 - 1 }

// KeyHash uses hashtextextended (PostgreSQL 11+). chr(0) is not a valid text
// character, so NULL components are marked with chr(30).
func (p Postgres) KeyHash(exprs []string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = fmt.Sprintf("COALESCE(%s, chr(30))", p.KeyText(e))
	}
	return fmt.Sprintf("(hashtextextended(concat_ws(chr(31), %s), 0) & 9223372036854775807)", strings.Join(parts, ", "))
}

func (Postgres) KeyText(expr string) string { return fmt.Sprintf("(%s)::text", expr) }

func (Postgres) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (Postgres) NullSafeEqual(a, b string) string {
	return fmt.Sprintf("(%s IS NOT DISTINCT FROM %s)", a, b)
}

// StrictEqual relies on PostgreSQL's static typing: the comparison only runs when
// both column types already agree.
func (p Postgres) StrictEqual(a, b string) string { return p.NullSafeEqual(a, b) }

func (Postgres) CastNumeric(expr string) string { return fmt.Sprintf("CAST(%s AS double precision)", expr) }

func (Postgres) CastText(expr string) string { return fmt.Sprintf("CAST(%s AS text)", expr) }

func (Postgres) SupportsFullOuterJoin() bool { return true }

const pgDescribeQuery = `
	SELECT c.column_name,
	       CASE WHEN c.data_type IN ('USER-DEFINED', 'ARRAY') THEN c.udt_name ELSE c.data_type END,
	       c.is_nullable = 'YES',
	       EXISTS (
	           SELECT 1
	           FROM information_schema.table_constraints tc
	           JOIN information_schema.key_column_usage kcu
	             ON tc.constraint_name = kcu.constraint_name
	            AND tc.table_schema = kcu.table_schema
	            AND tc.table_name = kcu.table_name
	           WHERE tc.constraint_type = 'PRIMARY KEY'
	             AND tc.table_schema = c.table_schema
	             AND tc.table_name = c.table_name
	             AND kcu.column_name = c.column_name
	       )
	FROM information_schema.columns c
	WHERE c.table_schema = COALESCE(NULLIF($1, ''), current_schema())
	  AND c.table_name = $2
	ORDER BY c.ordinal_position`

func (Postgres) DescribeTable(ctx context.Context, q Querier, ref TableRef) ([]Column, error) {
	rows, err := q.QueryContext(ctx, pgDescribeQuery, ref.Schema, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", ref, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &c.PrimaryKey); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", ref, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

const pgEstimateQuery = `
	SELECT c.reltuples::bigint
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE n.nspname = COALESCE(NULLIF($1, ''), current_schema())
	  AND c.relname = $2`

// EstimateRows reads pg_class.reltuples. Tables that were never analyzed report -1
// (or 0 before PostgreSQL 14), which counts as no estimate.
func (Postgres) EstimateRows(ctx context.Context, q Querier, ref TableRef) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, pgEstimateQuery, ref.Schema, ref.Name)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read row estimate for %s: %w", ref, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var n sql.NullInt64
	if err := rows.Scan(&n); err != nil {
		return 0, false, err
	}
	if !n.Valid || n.Int64 <= 0 {
		return 0, false, nil
	}
	return n.Int64, true, nil
}
