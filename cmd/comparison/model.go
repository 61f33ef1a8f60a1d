// Package comparison implements the dataset comparison engine: schema reconciliation
// between two sources, algorithm selection, and the join, hash-bucket and sampling
// diff executors that materialize classified diff rows into a results table.
package comparison

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// SourceKind tags a Source.
type SourceKind string

const (
	SourceTable SourceKind = "table"
	SourceQuery SourceKind = "query"
)

// Source is one side of a comparison: a table/view or an ad-hoc query.
type Source struct {
	Kind SourceKind `json:"kind"`

	// table
	Name     string `json:"name,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Database string `json:"database,omitempty"`

	// query
	SQL   string `json:"sql,omitempty"`
	Alias string `json:"alias,omitempty"`
}

// TableSource returns a table source. name may be qualified as schema.table.
func TableSource(name string) Source {
	s := Source{Kind: SourceTable, Name: name}
	if i := strings.LastIndexByte(name, '.'); i > 0 && i < len(name)-1 {
		s.Schema, s.Name = name[:i], name[i+1:]
	}
	return s
}

// QuerySource returns an ad-hoc query source.
func QuerySource(sql, alias string) Source {
	return Source{Kind: SourceQuery, SQL: sql, Alias: alias}
}

// Validate checks the source shape and, for queries, the read-only safelist.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceTable:
		if s.Name == "" {
			return fmt.Errorf("table source requires a name")
		}
		for _, part := range []string{s.Name, s.Schema, s.Database} {
			if strings.ContainsRune(part, 0) {
				return fmt.Errorf("table source contains a NUL character")
			}
		}
	case SourceQuery:
		if _, err := sqlsafe.ValidateQuery(s.SQL); err != nil {
			return err
		}
		if s.Alias != "" {
			if err := sqlsafe.CheckIdentifier(s.Alias); err != nil {
				return fmt.Errorf("query alias: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown source kind '%s'", s.Kind)
	}
	return nil
}

// Ref returns the catalog reference of a table source.
func (s Source) Ref() engine.TableRef {
	return engine.TableRef{Database: s.Database, Schema: s.Schema, Name: s.Name}
}

// Label is a human readable identity, also used as the row-count cache key.
func (s Source) Label() string {
	if s.Kind == SourceQuery {
		alias := s.Alias
		if alias == "" {
			alias = "q"
		}
		return fmt.Sprintf("query:%s:%s", alias, normalizeQuery(s.SQL))
	}
	return s.Ref().String()
}

func normalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	return strings.TrimSpace(strings.TrimSuffix(q, ";"))
}

// fromClause renders the source for a FROM clause.
func (s Source) fromClause(d engine.Dialect) string {
	if s.Kind == SourceQuery {
		alias := s.Alias
		if alias == "" {
			alias = "q"
		}
		return fmt.Sprintf("(%s) %s", normalizeQuery(s.SQL), d.Quote(alias))
	}
	return d.QuoteTable(s.Ref())
}

// FilterMode selects how row filters apply to the two sides.
type FilterMode string

const (
	FilterCommon   FilterMode = "common"
	FilterSeparate FilterMode = "separate"
)

// CompareMode selects value equality semantics.
type CompareMode string

const (
	CompareStrict CompareMode = "strict"
	CompareCoerce CompareMode = "coerce"
)

// Algorithm names a diff strategy.
type Algorithm string

const (
	AlgorithmAuto       Algorithm = "auto"
	AlgorithmHashBucket Algorithm = "hash-bucket"
	AlgorithmJoin       Algorithm = "join"
	AlgorithmSampling   Algorithm = "sampling"
)

// JoinType is the outer-join shape of the diff query.
type JoinType string

const (
	JoinFull  JoinType = "full"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinInner JoinType = "inner"
)

// Config is the user-facing configuration of a comparison.
type Config struct {
	SourceA Source `json:"sourceA"`
	SourceB Source `json:"sourceB"`

	// JoinColumns are A-side names.
	JoinColumns     []string          `json:"joinColumns"`
	JoinKeyMappings map[string]string `json:"joinKeyMappings,omitempty"`
	ColumnMappings  map[string]string `json:"columnMappings,omitempty"`
	ExcludedColumns []string          `json:"excludedColumns,omitempty"`

	// Filters are raw user SQL fragments. They only reach generated SQL after
	// sqlsafe.ValidateFilter accepts them.
	FilterMode   FilterMode `json:"filterMode"`
	CommonFilter string     `json:"commonFilter,omitempty"`
	FilterA      string     `json:"filterA,omitempty"`
	FilterB      string     `json:"filterB,omitempty"`

	ShowOnlyDifferences bool        `json:"showOnlyDifferences"`
	CompareMode         CompareMode `json:"compareMode"`
	Algorithm           Algorithm   `json:"algorithm"`
	JoinType            JoinType    `json:"joinType,omitempty"`
	SampleSize          int64       `json:"sampleSize,omitempty"`
	ResultsSchema       string      `json:"resultsSchema,omitempty"`
}

// ApplyDefaults fills unset enum fields.
func (c *Config) ApplyDefaults() {
	if c.FilterMode == "" {
		c.FilterMode = FilterCommon
	}
	if c.CompareMode == "" {
		c.CompareMode = CompareStrict
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmAuto
	}
	if c.JoinType == "" {
		c.JoinType = JoinFull
	}
}

// SetFilterMode switches filter modes. Both per-side filters are kept so that
// switching back restores them.
func (c *Config) SetFilterMode(mode FilterMode) {
	c.FilterMode = mode
}

// Filters returns the effective filter for each side.
func (c Config) Filters() (a, b string) {
	if c.FilterMode == FilterSeparate {
		return c.FilterA, c.FilterB
	}
	return c.CommonFilter, c.CommonFilter
}

// Mappings merges ColumnMappings and JoinKeyMappings into one A->B name map.
// Join key mappings win on conflict.
func (c Config) Mappings() map[string]string {
	if len(c.ColumnMappings) == 0 && len(c.JoinKeyMappings) == 0 {
		return nil
	}
	m := make(map[string]string, len(c.ColumnMappings)+len(c.JoinKeyMappings))
	maps.Copy(m, c.ColumnMappings)
	maps.Copy(m, c.JoinKeyMappings)
	return m
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	c.JoinColumns = slices.Clone(c.JoinColumns)
	c.ExcludedColumns = slices.Clone(c.ExcludedColumns)
	c.JoinKeyMappings = maps.Clone(c.JoinKeyMappings)
	c.ColumnMappings = maps.Clone(c.ColumnMappings)
	return c
}

// Provenance records where a row count came from.
type Provenance string

const (
	ProvenanceMetadata Provenance = "metadata"
	ProvenanceQuery    Provenance = "query"
)

// ColumnComparison is one column present on both sides. Name is the A-side name;
// NameB is the B-side name after mappings.
type ColumnComparison struct {
	Name       string `json:"name"`
	NameB      string `json:"nameB,omitempty"`
	TypeA      string `json:"typeA"`
	TypeB      string `json:"typeB"`
	TypesMatch bool   `json:"typesMatch"`
}

// SchemaComparisonResult describes how two sources line up.
type SchemaComparisonResult struct {
	CommonColumns      []ColumnComparison `json:"commonColumns"`
	OnlyInA            []string           `json:"onlyInA"`
	OnlyInB            []string           `json:"onlyInB"`
	SuggestedKeys      []string           `json:"suggestedKeys"`
	RowCountA          int64              `json:"rowCountA"`
	RowCountB          int64              `json:"rowCountB"`
	RowCountProvenance Provenance         `json:"rowCountProvenance"`
}

// Column returns the common column with A-side name name.
func (r *SchemaComparisonResult) Column(name string) (ColumnComparison, bool) {
	for _, c := range r.CommonColumns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnComparison{}, false
}

// Stage is a run's position in the execution state machine.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageQueued         Stage = "queued"
	StageCounting       Stage = "counting"
	StageSplitting      Stage = "splitting"
	StageInserting      Stage = "inserting"
	StageBucketComplete Stage = "bucket-complete"
	StageFinalizing     Stage = "finalizing"
	StageCompleted      Stage = "completed"
	StagePartial        Stage = "partial"
	StageCancelled      Stage = "cancelled"
	StageFailed         Stage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StagePartial, StageCancelled, StageFailed:
		return true
	}
	return false
}

// Bucket describes a hash-range unit of work.
type Bucket struct {
	Depth          int    `json:"depth"`
	CountA         int64  `json:"countA"`
	CountB         int64  `json:"countB"`
	Modulus        *int   `json:"modulus,omitempty"`
	Bucket         *int   `json:"bucket,omitempty"`
	HashRangeStart *int64 `json:"hashRangeStart,omitempty"`
	HashRangeEnd   *int64 `json:"hashRangeEnd,omitempty"`
}

func (b *Bucket) clone() *Bucket {
	if b == nil {
		return nil
	}
	c := *b
	if b.Modulus != nil {
		v := *b.Modulus
		c.Modulus = &v
	}
	if b.Bucket != nil {
		v := *b.Bucket
		c.Bucket = &v
	}
	if b.HashRangeStart != nil {
		v := *b.HashRangeStart
		c.HashRangeStart = &v
	}
	if b.HashRangeEnd != nil {
		v := *b.HashRangeEnd
		c.HashRangeEnd = &v
	}
	return &c
}

func (b *Bucket) String() string {
	if b == nil {
		return "-"
	}
	s := fmt.Sprintf("depth=%d a=%d b=%d", b.Depth, b.CountA, b.CountB)
	if b.Bucket != nil && b.Modulus != nil {
		s += fmt.Sprintf(" bucket=%d/%d", *b.Bucket, *b.Modulus)
	}
	if b.HashRangeStart != nil && b.HashRangeEnd != nil {
		s += fmt.Sprintf(" range=[%d,%d]", *b.HashRangeStart, *b.HashRangeEnd)
	}
	return s
}

// Progress is the ephemeral per-run progress record.
type Progress struct {
	Stage               Stage     `json:"stage"`
	StartedAt           time.Time `json:"startedAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
	CompletedBuckets    int       `json:"completedBuckets"`
	PendingBuckets      int       `json:"pendingBuckets"`
	TotalBuckets        int       `json:"totalBuckets"`
	ProcessedRows       int64     `json:"processedRows"`
	DiffRows            int64     `json:"diffRows"`
	CurrentBucket       *Bucket   `json:"currentBucket,omitempty"`
	CancelRequested     bool      `json:"cancelRequested"`
	SupportsFinishEarly bool      `json:"supportsFinishEarly"`
	Error               string    `json:"error,omitempty"`
}

// SamplingParams records how a sampling run chose its sample.
type SamplingParams struct {
	TargetSampleSize int64     `json:"targetSampleSize"`
	Rate             float64   `json:"rate"`
	TotalRows        int64     `json:"totalRows"`
	HashRangeEnd     int64     `json:"hashRangeEnd"`
	BaseAlgorithm    Algorithm `json:"baseAlgorithm"`
}

// HashDiffMetrics aggregates hash-bucket traversal statistics.
type HashDiffMetrics struct {
	ProcessedBuckets     int   `json:"processedBuckets"`
	TotalBucketsEnqueued int   `json:"totalBucketsEnqueued"`
	MaxDepth             int   `json:"maxDepth"`
	MaxBucketRowsA       int64 `json:"maxBucketRowsA"`
	MaxBucketRowsB       int64 `json:"maxBucketRowsB"`
	OversizedBuckets     int   `json:"oversizedBuckets"`
}

// DiffSummary counts results-table rows per diff type.
type DiffSummary struct {
	OnlyInA int64 `json:"onlyInA"`
	OnlyInB int64 `json:"onlyInB"`
	Differs int64 `json:"differs"`
	Matches int64 `json:"matches"`
}

// DiffRows is the number of non-matching rows.
func (s DiffSummary) DiffRows() int64 { return s.OnlyInA + s.OnlyInB + s.Differs }

// ExecutionMetadata is persisted with the comparison after each run.
type ExecutionMetadata struct {
	RunID           string           `json:"runId"`
	AlgorithmUsed   Algorithm        `json:"algorithmUsed"`
	SamplingParams  *SamplingParams  `json:"samplingParams,omitempty"`
	HashDiffMetrics *HashDiffMetrics `json:"hashDiffMetrics,omitempty"`
	Summary         *DiffSummary     `json:"summary,omitempty"`
	DurationMs      int64            `json:"durationMs"`
}

// SourceStats are the row counts seen by the last schema analysis.
type SourceStats struct {
	RowCountA  int64      `json:"rowCountA"`
	RowCountB  int64      `json:"rowCountB"`
	Provenance Provenance `json:"provenance"`
}

// Metadata is the persisted run metadata of a comparison.
type Metadata struct {
	SourceStats       *SourceStats       `json:"sourceStats,omitempty"`
	PartialResults    bool               `json:"partialResults"`
	ExecutionMetadata *ExecutionMetadata `json:"executionMetadata,omitempty"`
}

// Comparison is the durable record of a configured comparison.
type Comparison struct {
	ID               string                  `json:"id"`
	Name             string                  `json:"name"`
	Config           *Config                 `json:"config"`
	SchemaComparison *SchemaComparisonResult `json:"schemaComparison,omitempty"`

	// LastExecutionTime is the duration of the last run in milliseconds.
	LastExecutionTime int64      `json:"lastExecutionTime,omitempty"`
	LastRunAt         *time.Time `json:"lastRunAt,omitempty"`
	ResultsTableName  string     `json:"resultsTableName,omitempty"`
	Metadata          Metadata   `json:"metadata"`

	LastStage Stage     `json:"lastStage,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewComparison returns an unconfigured comparison.
func NewComparison(id, name string) *Comparison {
	now := time.Now().UTC()
	if name == "" {
		name = id
	}
	return &Comparison{ID: id, Name: name, LastStage: StageIdle, CreatedAt: now, UpdatedAt: now}
}

// SetConfig installs cfg. The cached schema comparison is dropped when either
// source or the column mappings changed.
func (c *Comparison) SetConfig(cfg Config) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if c.Config == nil ||
		c.Config.SourceA != cfg.SourceA ||
		c.Config.SourceB != cfg.SourceB ||
		!maps.Equal(c.Config.Mappings(), cfg.Mappings()) {
		c.SchemaComparison = nil
	}
	c.Config = &cfg
	c.UpdatedAt = time.Now().UTC()
}
