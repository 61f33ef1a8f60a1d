package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// MySQL driver
	_ "github.com/go-sql-driver/mysql"

	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// MySQL is the dialect for go-sql-driver/mysql (MySQL 8 and MariaDB 10.5+).
type MySQL struct{}

func (MySQL) Name() string       { return DriverMySQL }
func (MySQL) DriverName() string { return "mysql" }

func (MySQL) Quote(name string) string { return sqlsafe.QuoteIdent(name, '`') }

func (MySQL) QuoteTable(ref TableRef) string {
	db := ref.Database
	if db == "" {
		db = ref.Schema
	}
	return sqlsafe.QuoteQualified('`', db, ref.Name)
}

func (MySQL) Placeholder(int) string { return "?" }

// HashCeiling is 2^60-1: KeyHash keeps the first 15 hex digits of SHA-256.
func (MySQL) HashCeiling() int64 { return 1<<60 - 1 }

func (m MySQL) KeyHash(exprs []string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = fmt.Sprintf("COALESCE(%s, CHAR(30))", m.KeyText(e))
	}
	return fmt.Sprintf("CAST(CONV(SUBSTRING(SHA2(CONCAT_WS(CHAR(31), %s), 256), 1, 15), 16, 10) AS UNSIGNED)", strings.Join(parts, ", "))
}

// KeyText compares bytes, so case-insensitive collations cannot match keys that
// hash differently.
func (MySQL) KeyText(expr string) string { return fmt.Sprintf("CAST(%s AS BINARY)", expr) }

func (MySQL) IntDiv(a, b string) string { return fmt.Sprintf("((%s) DIV (%s))", a, b) }

func (MySQL) NullSafeEqual(a, b string) string { return fmt.Sprintf("(%s <=> %s)", a, b) }

func (m MySQL) StrictEqual(a, b string) string { return m.NullSafeEqual(a, b) }

func (MySQL) CastNumeric(expr string) string { return fmt.Sprintf("CAST(%s AS DOUBLE)", expr) }
func (MySQL) CastText(expr string) string    { return fmt.Sprintf("CAST(%s AS CHAR)", expr) }

func (MySQL) SupportsFullOuterJoin() bool { return false }

const mysqlDescribeQuery = `
	SELECT COLUMN_NAME, COLUMN_TYPE, IS_NULLABLE = 'YES', COLUMN_KEY = 'PRI'
	FROM information_schema.COLUMNS
	WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
	  AND TABLE_NAME = ?
	ORDER BY ORDINAL_POSITION`

func (m MySQL) DescribeTable(ctx context.Context, q Querier, ref TableRef) ([]Column, error) {
	rows, err := q.QueryContext(ctx, mysqlDescribeQuery, m.database(ref), ref.Name)
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

const mysqlEstimateQuery = `
	SELECT TABLE_ROWS
	FROM information_schema.TABLES
	WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
	  AND TABLE_NAME = ?`

// EstimateRows reads TABLE_ROWS, which InnoDB maintains as an estimate and which is
// NULL for views.
func (m MySQL) EstimateRows(ctx context.Context, q Querier, ref TableRef) (int64, bool, error) {
	rows, err := q.QueryContext(ctx, mysqlEstimateQuery, m.database(ref), ref.Name)
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

func (MySQL) database(ref TableRef) string {
	if ref.Database != "" {
		return ref.Database
	}
	return ref.Schema
}
