package engine

import (
	"context"
	"fmt"
	"strings"
)

// Supported driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
)

// Dialect captures everything the comparison core needs to know about an engine to
// generate SQL for it.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver registered for this dialect.
	DriverName() string

	Quote(name string) string
	QuoteTable(ref TableRef) string
	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder(n int) string

	// HashCeiling is the largest value KeyHash can produce. Hash values are
	// non-negative, so the full key space is [0, HashCeiling].
	HashCeiling() int64
	// KeyHash returns an expression hashing the tuple of already-quoted
	// expressions. Equal tuples hash equally on both sides of a comparison.
	KeyHash(exprs []string) string
	// KeyText is the canonical text of one key component, the form KeyHash hashes.
	// Joins match keys on it so both sides of a join always share a bucket.
	KeyText(expr string) string
	IntDiv(a, b string) string

	NullSafeEqual(a, b string) string
	// StrictEqual is NULL-safe equality that also requires matching storage types
	// where the engine distinguishes them at runtime.
	StrictEqual(a, b string) string
	CastNumeric(expr string) string
	CastText(expr string) string

	SupportsFullOuterJoin() bool

	DescribeTable(ctx context.Context, q Querier, ref TableRef) ([]Column, error)
	EstimateRows(ctx context.Context, q Querier, ref TableRef) (int64, bool, error)
}

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pg":
		return Postgres{}, nil
	case DriverSQLite, "sqlite3":
		return SQLite{}, nil
	case DriverMySQL, "mariadb":
		return MySQL{}, nil
	}
	return nil, fmt.Errorf("%w, got '%s'", ErrUnsupportedDriver, driver)
}

var numericTypes = []string{
	"int", "integer", "smallint", "bigint", "tinyint", "mediumint", "serial", "bigserial",
	"real", "float", "double", "double precision", "numeric", "decimal", "number", "money",
	"int2", "int4", "int8", "float4", "float8", "unsigned",
}

// IsNumericType reports whether a catalog type name denotes a number. Modifiers such
// as precision, length and UNSIGNED are ignored.
func IsNumericType(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	t = strings.TrimSpace(strings.TrimSuffix(t, " unsigned"))
	if t == "" {
		return false
	}
	for _, n := range numericTypes {
		if t == n {
			return true
		}
	}
	// SQLite type affinity: any declared type containing INT is an integer.
	return strings.Contains(t, "int")
}
