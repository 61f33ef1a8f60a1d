package engine

import (
	"context"
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
	"modernc.org/sqlite"

	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// Scalar functions registered with every SQLite connection. Both canonicalize key
// components the same way, so keys equal under KeyText hash equally.
const (
	KeyHashFunction = "diffkey_hash"
	KeyTextFunction = "diffkey_text"
)

const (
	keySeparator = "\x1f"
	nullMarker   = "\x1e"
)

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(KeyHashFunction, -1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		return HashKey(values(args)...), nil
	})
	sqlite.MustRegisterDeterministicScalarFunction(KeyTextFunction, 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		if args[0] == nil {
			return nil, nil
		}
		return canonicalValue(args[0]), nil
	})
}

func values(args []driver.Value) []any {
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a
	}
	return vals
}

// canonicalValue renders a key component so that values which compare equal in SQL
// produce the same text: 3 and 3.0 both become "3".
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return nullMarker
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(x)
	}
}

// HashKey hashes a join-key tuple into [0, math.MaxInt64].
func HashKey(values ...any) int64 {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = canonicalValue(v)
	}
	return int64(xxh3.HashString(strings.Join(parts, keySeparator)) >> 1)
}

// SQLite is the dialect for modernc.org/sqlite.
type SQLite struct{}

func (SQLite) Name() string       { return DriverSQLite }
func (SQLite) DriverName() string { return "sqlite" }

func (SQLite) Quote(name string) string { return sqlsafe.QuoteIdent(name, '"') }

func (SQLite) QuoteTable(ref TableRef) string {
	schema := ref.Schema
	if schema == "" {
		schema = ref.Database
	}
	return sqlsafe.QuoteQualified('"', schema, ref.Name)
}

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) HashCeiling() int64 { return math.MaxInt64 }

func (SQLite) KeyHash(exprs []string) string {
	return fmt.Sprintf("%s(%s)", KeyHashFunction, strings.Join(exprs, ", "))
}

// KeyText is the text diffkey_hash hashes: integral reals render like integers.
func (SQLite) KeyText(expr string) string {
	return fmt.Sprintf("%s(%s)", KeyTextFunction, expr)
}

func (SQLite) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (SQLite) NullSafeEqual(a, b string) string { return fmt.Sprintf("(%s IS %s)", a, b) }

func (SQLite) StrictEqual(a, b string) string {
	return fmt.Sprintf("(%s IS %s AND typeof(%s) = typeof(%s))", a, b, a, b)
}

func (SQLite) CastNumeric(expr string) string { return fmt.Sprintf("CAST(%s AS REAL)", expr) }
func (SQLite) CastText(expr string) string    { return fmt.Sprintf("CAST(%s AS TEXT)", expr) }

func (SQLite) SupportsFullOuterJoin() bool { return true }

func (SQLite) DescribeTable(ctx context.Context, q Querier, ref TableRef) ([]Column, error) {
	schema := ref.Schema
	if schema == "" {
		schema = ref.Database
	}
	if schema == "" {
		schema = "main"
	}

	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?, ?) ORDER BY cid`, ref.Name, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", ref, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			name, typ string
			notNull   int
			pk        int
		)
		if err := rows.Scan(&name, &typ, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", ref, err)
		}
		cols = append(cols, Column{Name: name, Type: typ, Nullable: notNull == 0, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

// EstimateRows reports no estimate: SQLite keeps no maintained row count.
func (SQLite) EstimateRows(context.Context, Querier, TableRef) (int64, bool, error) {
	return 0, false, nil
}
