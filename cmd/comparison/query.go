package comparison

import (
	"fmt"
	"slices"
	"strings"

	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// Results table columns and diff classifications.
const (
	DiffTypeColumn = "diff_type"

	DiffMatch   = "match"
	DiffDiffers = "differs"
	DiffOnlyInA = "only_in_a"
	DiffOnlyInB = "only_in_b"

	presentColumn = "__present"
)

// hashRange is an inclusive range of key hashes.
type hashRange struct {
	lo, hi int64
}

type rowFilter int

const (
	allRows rowFilter = iota
	diffRowsOnly
	matchRowsOnly
)

type columnPair struct {
	nameA, nameB string
	typeA, typeB string
	typesMatch   bool
}

// plan holds a validated comparison config resolved against a schema. Every piece
// of generated diff SQL comes from here.
type plan struct {
	d                   engine.Dialect
	fromA, fromB        string
	filterA, filterB    string
	keys                []columnPair
	cols                []columnPair
	joinType            JoinType
	compareMode         CompareMode
	showOnlyDifferences bool
}

// buildPlan validates cfg against schema. It never touches the engine, so a
// rejected config issues no SQL.
func buildPlan(d engine.Dialect, cfg *Config, schema *SchemaComparisonResult) (*plan, error) {
	if cfg == nil {
		return nil, validationErr("config", "comparison is not configured", nil)
	}
	if schema == nil {
		return nil, validationErr("schemaComparison", "schema has not been analyzed", nil)
	}
	if err := cfg.SourceA.Validate(); err != nil {
		return nil, validationErr("sourceA", "source rejected", err)
	}
	if err := cfg.SourceB.Validate(); err != nil {
		return nil, validationErr("sourceB", "source rejected", err)
	}

	c := cfg.Clone()
	c.ApplyDefaults()

	switch c.FilterMode {
	case FilterCommon, FilterSeparate:
	default:
		return nil, validationErr("filterMode", fmt.Sprintf("must be common or separate, got '%s'", c.FilterMode), nil)
	}
	switch c.CompareMode {
	case CompareStrict, CompareCoerce:
	default:
		return nil, validationErr("compareMode", fmt.Sprintf("must be strict or coerce, got '%s'", c.CompareMode), nil)
	}
	switch c.JoinType {
	case JoinFull, JoinLeft, JoinRight, JoinInner:
	default:
		return nil, validationErr("joinType", fmt.Sprintf("must be full, left, right or inner, got '%s'", c.JoinType), nil)
	}
	switch c.Algorithm {
	case AlgorithmAuto, AlgorithmHashBucket, AlgorithmJoin, AlgorithmSampling:
	default:
		return nil, validationErr("algorithm", fmt.Sprintf("unknown algorithm '%s'", c.Algorithm), nil)
	}
	if c.ResultsSchema != "" {
		if err := sqlsafe.CheckIdentifier(c.ResultsSchema); err != nil {
			return nil, validationErr("resultsSchema", "invalid schema name", err)
		}
	}

	filterA, filterB := c.Filters()
	if err := sqlsafe.ValidateFilter(filterA); err != nil {
		return nil, validationErr(filterField(c.FilterMode, "filterA"), "filter rejected", err)
	}
	if err := sqlsafe.ValidateFilter(filterB); err != nil {
		return nil, validationErr(filterField(c.FilterMode, "filterB"), "filter rejected", err)
	}

	if len(c.JoinColumns) == 0 {
		return nil, validationErr("joinColumns", "at least one join column is required", nil)
	}

	p := &plan{
		d:                   d,
		fromA:               c.SourceA.fromClause(d),
		fromB:               c.SourceB.fromClause(d),
		filterA:             strings.TrimSpace(filterA),
		filterB:             strings.TrimSpace(filterB),
		joinType:            c.JoinType,
		compareMode:         c.CompareMode,
		showOnlyDifferences: c.ShowOnlyDifferences,
	}

	isKey := make(map[string]bool, len(c.JoinColumns))
	for _, name := range c.JoinColumns {
		if isKey[name] {
			continue
		}
		col, ok := schema.Column(name)
		if !ok {
			return nil, validationErr("joinColumns", fmt.Sprintf("column '%s' is not present in both sources", name), nil)
		}
		if slices.Contains(c.ExcludedColumns, name) {
			return nil, validationErr("joinColumns", fmt.Sprintf("column '%s' is excluded from the comparison", name), nil)
		}
		if mapped, ok := c.JoinKeyMappings[name]; ok && mapped != "" && mapped != pairFor(col).nameB {
			return nil, validationErr("joinKeyMappings", fmt.Sprintf("mapping for '%s' does not match the analyzed schema; re-run schema analysis", name), nil)
		}
		isKey[name] = true
		p.keys = append(p.keys, pairFor(col))
	}

	for _, col := range schema.CommonColumns {
		if isKey[col.Name] || slices.Contains(c.ExcludedColumns, col.Name) {
			continue
		}
		p.cols = append(p.cols, pairFor(col))
	}
	return p, nil
}

func filterField(mode FilterMode, side string) string {
	if mode == FilterCommon {
		return "commonFilter"
	}
	return side
}

func pairFor(c ColumnComparison) columnPair {
	nameB := c.NameB
	if nameB == "" {
		nameB = c.Name
	}
	return columnPair{nameA: c.Name, nameB: nameB, typeA: c.TypeA, typeB: c.TypeB, typesMatch: c.TypesMatch}
}

func keyAlias(i int) string { return fmt.Sprintf("k%d", i) }

// matchAlias names the canonical text of key i, which joins match on.
func matchAlias(i int) string { return fmt.Sprintf("m%d", i) }
func colAlias(i int) string { return fmt.Sprintf("c%d", i) }

// keyHash is the bucket hash over one side's join key tuple.
func (p *plan) keyHash(sideA bool) string {
	exprs := make([]string, len(p.keys))
	for i, k := range p.keys {
		if sideA {
			exprs[i] = p.d.Quote(k.nameA)
		} else {
			exprs[i] = p.d.Quote(k.nameB)
		}
	}
	return p.d.KeyHash(exprs)
}

func (p *plan) sideWhere(sideA bool, rng *hashRange) string {
	filter := p.filterB
	if sideA {
		filter = p.filterA
	}
	var conds []string
	if filter != "" {
		conds = append(conds, "("+filter+")")
	}
	if rng != nil {
		conds = append(conds, fmt.Sprintf("%s BETWEEN %d AND %d", p.keyHash(sideA), rng.lo, rng.hi))
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func (p *plan) from(sideA bool) string {
	if sideA {
		return p.fromA
	}
	return p.fromB
}

// sideSelect projects one side to positional aliases so the outer query never
// depends on source column names.
func (p *plan) sideSelect(sideA bool, rng *hashRange) string {
	q := p.d.Quote
	parts := []string{"1 AS " + q(presentColumn)}
	for i, k := range p.keys {
		name := k.nameB
		if sideA {
			name = k.nameA
		}
		parts = append(parts,
			fmt.Sprintf("%s AS %s", q(name), q(keyAlias(i))),
			fmt.Sprintf("%s AS %s", p.d.KeyText(q(name)), q(matchAlias(i))))
	}
	for i, c := range p.cols {
		name := c.nameB
		if sideA {
			name = c.nameA
		}
		parts = append(parts, fmt.Sprintf("%s AS %s", q(name), q(colAlias(i))))
	}
	return fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(parts, ", "), p.from(sideA), p.sideWhere(sideA, rng))
}

// countSQL counts one side's filtered rows within rng.
func (p *plan) countSQL(sideA bool, rng *hashRange) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s%s", p.from(sideA), p.sideWhere(sideA, rng))
}

// childCountSQL counts one side's rows per child range of [lo, hi] split into
// ranges of width, visiting each row once.
func (p *plan) childCountSQL(sideA bool, lo, hi, width int64) string {
	q := p.d.Quote
	filter := p.filterB
	if sideA {
		filter = p.filterA
	}
	where := ""
	if filter != "" {
		where = " WHERE (" + filter + ")"
	}
	child := p.d.IntDiv(fmt.Sprintf("%s - %d", q("h"), lo), fmt.Sprintf("%d", width))
	return fmt.Sprintf("SELECT %s AS %s, COUNT(*) AS %s FROM (SELECT %s AS %s FROM %s%s) %s WHERE %s BETWEEN %d AND %d GROUP BY 1",
		child, q("child"), q("n"),
		p.keyHash(sideA), q("h"), p.from(sideA), where, q("s"),
		q("h"), lo, hi)
}

func (p *plan) equalExpr(i int, c columnPair) string {
	a := "a." + p.d.Quote(colAlias(i))
	b := "b." + p.d.Quote(colAlias(i))
	if p.compareMode == CompareCoerce {
		if engine.IsNumericType(c.typeA) && engine.IsNumericType(c.typeB) {
			return p.d.NullSafeEqual(p.d.CastNumeric(a), p.d.CastNumeric(b))
		}
		return p.d.NullSafeEqual(p.d.CastText(a), p.d.CastText(b))
	}
	if !c.typesMatch {
		// values of different declared types are never strictly equal
		return fmt.Sprintf("(%s IS NULL AND %s IS NULL)", a, b)
	}
	return p.d.StrictEqual(a, b)
}

func (p *plan) allEqual() string {
	if len(p.cols) == 0 {
		return "1 = 1"
	}
	conds := make([]string, len(p.cols))
	for i, c := range p.cols {
		conds[i] = p.equalExpr(i, c)
	}
	return strings.Join(conds, " AND ")
}

func (p *plan) joinedSelect(join string, rng *hashRange, rows rowFilter, extra string) string {
	q := p.d.Quote
	aPresent := "a." + q(presentColumn)
	bPresent := "b." + q(presentColumn)
	equal := p.allEqual()

	diffType := fmt.Sprintf("CASE WHEN %s IS NULL THEN '%s' WHEN %s IS NULL THEN '%s' WHEN %s THEN '%s' ELSE '%s' END",
		aPresent, DiffOnlyInB, bPresent, DiffOnlyInA, equal, DiffMatch, DiffDiffers)

	selects := []string{diffType + " AS " + q(DiffTypeColumn)}
	on := make([]string, len(p.keys))
	for i, k := range p.keys {
		ka := "a." + q(keyAlias(i))
		kb := "b." + q(keyAlias(i))
		if !k.typesMatch {
			// the output key needs one type on every engine
			ka, kb = p.d.CastText(ka), p.d.CastText(kb)
		}
		selects = append(selects, fmt.Sprintf("COALESCE(%s, %s) AS %s", ka, kb, q(k.nameA)))
		on[i] = fmt.Sprintf("a.%s = b.%s", q(matchAlias(i)), q(matchAlias(i)))
	}
	for i, c := range p.cols {
		selects = append(selects,
			fmt.Sprintf("a.%s AS %s", q(colAlias(i)), q(c.nameA+"__a")),
			fmt.Sprintf("b.%s AS %s", q(colAlias(i)), q(c.nameA+"__b")))
	}

	var where []string
	if extra != "" {
		where = append(where, extra)
	}
	switch rows {
	case diffRowsOnly:
		where = append(where, fmt.Sprintf("(%s IS NULL OR %s IS NULL OR NOT (%s))", aPresent, bPresent, equal))
	case matchRowsOnly:
		where = append(where, fmt.Sprintf("(%s IS NOT NULL AND %s IS NOT NULL AND %s)", aPresent, bPresent, equal))
	}

	sql := fmt.Sprintf("SELECT %s FROM (%s) a %s (%s) b ON %s",
		strings.Join(selects, ", "),
		p.sideSelect(true, rng), join, p.sideSelect(false, rng),
		strings.Join(on, " AND "))
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	return sql
}

// diffSelect is the classified diff of both sides within rng (nil = everything).
func (p *plan) diffSelect(rng *hashRange, rows rowFilter) string {
	switch p.joinType {
	case JoinLeft:
		return p.joinedSelect("LEFT JOIN", rng, rows, "")
	case JoinRight:
		return p.joinedSelect("RIGHT JOIN", rng, rows, "")
	case JoinInner:
		return p.joinedSelect("INNER JOIN", rng, rows, "")
	}
	if !p.d.SupportsFullOuterJoin() {
		left := p.joinedSelect("LEFT JOIN", rng, rows, "")
		right := p.joinedSelect("RIGHT JOIN", rng, rows, "a."+p.d.Quote(presentColumn)+" IS NULL")
		return left + " UNION ALL " + right
	}
	return p.joinedSelect("FULL OUTER JOIN", rng, rows, "")
}

// leafStatements returns the INSERT statements that materialize one leaf. Without
// showOnlyDifferences differences and matches are inserted separately so the first
// statement's row count is the leaf's diff count.
func (p *plan) leafStatements(table string, rng *hashRange) []string {
	insert := func(rows rowFilter) string {
		return fmt.Sprintf("INSERT INTO %s SELECT * FROM (%s) %s", table, p.diffSelect(rng, rows), p.d.Quote("d"))
	}
	if p.showOnlyDifferences {
		return []string{insert(diffRowsOnly)}
	}
	return []string{insert(diffRowsOnly), insert(matchRowsOnly)}
}
