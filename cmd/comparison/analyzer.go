package comparison

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/airframesio/data-compare/cmd/engine"
)

// Engine is the query-execution capability the comparison core needs.
// *engine.Engine implements it.
type Engine interface {
	Dialect() engine.Dialect
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	ExecBatch(ctx context.Context, stmts ...string) ([]int64, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryInt64(ctx context.Context, query string, args ...any) (int64, error)
	DescribeTable(ctx context.Context, ref engine.TableRef) ([]engine.Column, error)
	DescribeQuery(ctx context.Context, query string) ([]engine.Column, error)
	EstimateRows(ctx context.Context, ref engine.TableRef) (int64, bool, error)
}

// RowCountCache remembers COUNT(*) results between analyses.
type RowCountCache interface {
	Get(key string) (int64, bool)
	Put(key string, count int64)
}

// Analyzer computes SchemaComparisonResults.
type Analyzer struct {
	eng    Engine
	cache  RowCountCache
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer. cache may be nil.
func NewAnalyzer(eng Engine, cache RowCountCache, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Analyzer{eng: eng, cache: cache, logger: logger}
}

type sideInfo struct {
	cols       []engine.Column
	count      int64
	provenance Provenance
}

// Analyze introspects both sources and reconciles their columns. mappings translate
// A-side column names to B-side names. Either side failing fails the whole analysis.
func (a *Analyzer) Analyze(ctx context.Context, srcA, srcB Source, mappings map[string]string) (*SchemaComparisonResult, error) {
	if err := srcA.Validate(); err != nil {
		return nil, validationErr("sourceA", "source rejected", err)
	}
	if err := srcB.Validate(); err != nil {
		return nil, validationErr("sourceB", "source rejected", err)
	}

	infoA, err := a.inspect(ctx, "A", srcA)
	if err != nil {
		return nil, err
	}
	infoB, err := a.inspect(ctx, "B", srcB)
	if err != nil {
		return nil, err
	}

	result := reconcile(infoA.cols, infoB.cols, mappings)
	result.RowCountA = infoA.count
	result.RowCountB = infoB.count
	result.RowCountProvenance = ProvenanceMetadata
	if infoA.provenance == ProvenanceQuery || infoB.provenance == ProvenanceQuery {
		result.RowCountProvenance = ProvenanceQuery
	}

	a.logger.Debug(fmt.Sprintf("schema analysis: %d common, %d only in A, %d only in B, rows %d/%d (%s)",
		len(result.CommonColumns), len(result.OnlyInA), len(result.OnlyInB),
		result.RowCountA, result.RowCountB, result.RowCountProvenance))
	return result, nil
}

func (a *Analyzer) inspect(ctx context.Context, side string, src Source) (*sideInfo, error) {
	fail := func(err error) error {
		return &SchemaFetchError{Side: side, Source: src.Label(), Err: err}
	}

	var (
		cols []engine.Column
		err  error
	)
	if src.Kind == SourceQuery {
		cols, err = a.eng.DescribeQuery(ctx, normalizeQuery(src.SQL))
	} else {
		cols, err = a.eng.DescribeTable(ctx, src.Ref())
	}
	if err != nil {
		return nil, fail(err)
	}

	info := &sideInfo{cols: cols}
	if src.Kind == SourceTable {
		n, ok, err := a.eng.EstimateRows(ctx, src.Ref())
		if err != nil {
			a.logger.Debug(fmt.Sprintf("row estimate unavailable for %s: %v", src.Label(), err))
		}
		if err == nil && ok {
			info.count, info.provenance = n, ProvenanceMetadata
			return info, nil
		}
	}

	key := a.cacheKey(src)
	if a.cache != nil {
		if n, ok := a.cache.Get(key); ok {
			info.count, info.provenance = n, ProvenanceQuery
			return info, nil
		}
	}

	d := a.eng.Dialect()
	n, err := a.eng.QueryInt64(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", src.fromClause(d)))
	if err != nil {
		return nil, fail(fmt.Errorf("failed to count rows: %w", err))
	}
	if a.cache != nil {
		a.cache.Put(key, n)
	}
	info.count, info.provenance = n, ProvenanceQuery
	return info, nil
}

func (a *Analyzer) cacheKey(src Source) string {
	return a.eng.Dialect().Name() + "|" + src.Label()
}

// reconcile matches columns by name after applying mappings.
func reconcile(colsA, colsB []engine.Column, mappings map[string]string) *SchemaComparisonResult {
	byName := make(map[string]engine.Column, len(colsB))
	for _, c := range colsB {
		byName[c.Name] = c
	}

	result := &SchemaComparisonResult{
		CommonColumns: []ColumnComparison{},
		OnlyInA:       []string{},
		OnlyInB:       []string{},
		SuggestedKeys: []string{},
	}
	matchedB := make(map[string]bool, len(colsB))
	for _, ca := range colsA {
		nameB := ca.Name
		if m, ok := mappings[ca.Name]; ok && m != "" {
			nameB = m
		}
		cb, ok := byName[nameB]
		if !ok || matchedB[nameB] {
			result.OnlyInA = append(result.OnlyInA, ca.Name)
			continue
		}
		matchedB[nameB] = true
		cc := ColumnComparison{
			Name:       ca.Name,
			TypeA:      ca.Type,
			TypeB:      cb.Type,
			TypesMatch: typesMatch(ca.Type, cb.Type),
		}
		if nameB != ca.Name {
			cc.NameB = nameB
		}
		result.CommonColumns = append(result.CommonColumns, cc)
	}
	for _, cb := range colsB {
		if !matchedB[cb.Name] {
			result.OnlyInB = append(result.OnlyInB, cb.Name)
		}
	}

	result.SuggestedKeys = suggestKeys(result.CommonColumns, colsA, colsB)
	return result
}

var (
	nullableWrapper = regexp.MustCompile(`^nullable\((.*)\)$`)
	nullSuffix      = regexp.MustCompile(`\s+(not\s+)?null$`)
	spaces          = regexp.MustCompile(`\s+`)
)

// normalizeType lowercases a type and strips nullability annotations.
func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if m := nullableWrapper.FindStringSubmatch(t); m != nil {
		t = m[1]
	}
	t = nullSuffix.ReplaceAllString(t, "")
	return spaces.ReplaceAllString(strings.TrimSpace(t), " ")
}

func typesMatch(a, b string) bool {
	return normalizeType(a) == normalizeType(b)
}

func suggestKeys(common []ColumnComparison, colsA, colsB []engine.Column) []string {
	var idLike string
	for _, c := range common {
		if !c.TypesMatch {
			continue
		}
		lower := strings.ToLower(c.Name)
		if lower == "id" {
			return []string{c.Name}
		}
		if idLike == "" && strings.HasSuffix(lower, "_id") {
			idLike = c.Name
		}
	}
	if idLike != "" {
		return []string{idLike}
	}

	pkB := make(map[string]bool)
	for _, c := range colsB {
		if c.PrimaryKey {
			pkB[c.Name] = true
		}
	}
	keys := []string{}
	for _, ca := range colsA {
		if !ca.PrimaryKey {
			continue
		}
		for _, c := range common {
			if c.Name != ca.Name {
				continue
			}
			nameB := c.Name
			if c.NameB != "" {
				nameB = c.NameB
			}
			if len(pkB) == 0 || pkB[nameB] {
				keys = append(keys, c.Name)
			}
		}
	}
	return keys
}
