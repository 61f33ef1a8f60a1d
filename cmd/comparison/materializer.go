package comparison

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// ResultsTablePrefix starts every results table name.
const ResultsTablePrefix = "comparison_results_"

// ResultsTableName derives the results table name for a comparison id. The result is
// a valid unquoted identifier on every supported engine; long ids are truncated and
// suffixed with 8 hex digits of their SHA-256 so distinct ids stay distinct.
func ResultsTableName(id string) string {
	name := ResultsTablePrefix + sqlsafe.SanitizeName(id)
	if len(name) <= sqlsafe.MaxIdentifierLength && name != ResultsTablePrefix {
		return name
	}
	sum := sha256.Sum256([]byte(id))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	keep := sqlsafe.MaxIdentifierLength - len(suffix)
	if len(name) < keep {
		keep = len(name)
	}
	return name[:keep] + suffix
}

// Materializer writes the diff rows of one comparison into its results table. It is
// the only writer of that table.
type Materializer struct {
	eng    Engine
	schema string
	name   string
	quoted string
}

// NewMaterializer returns the materializer for comparison id, optionally placing the
// table in schema.
func NewMaterializer(eng Engine, id, schema string) *Materializer {
	name := ResultsTableName(id)
	return &Materializer{
		eng:    eng,
		schema: schema,
		name:   name,
		quoted: eng.Dialect().QuoteTable(engine.TableRef{Schema: schema, Name: name}),
	}
}

// TableName is the qualified, unquoted name stored as Comparison.ResultsTableName.
func (m *Materializer) TableName() string {
	if m.schema == "" {
		return m.name
	}
	return m.schema + "." + m.name
}

// Prepare drops any previous results and creates an empty table shaped like the
// diff output.
func (m *Materializer) Prepare(ctx context.Context, p *plan) error {
	if err := m.Drop(ctx); err != nil {
		return err
	}
	create := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM (%s) %s LIMIT 0", m.quoted, p.diffSelect(nil, allRows), m.eng.Dialect().Quote("d"))
	if _, err := m.eng.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create results table %s: %w", m.TableName(), err)
	}
	return nil
}

// Drop removes the results table.
func (m *Materializer) Drop(ctx context.Context) error {
	if _, err := m.eng.Exec(ctx, "DROP TABLE IF EXISTS "+m.quoted); err != nil {
		return fmt.Errorf("failed to drop results table %s: %w", m.TableName(), err)
	}
	return nil
}

// InsertLeaf materializes the diff of rng atomically and returns the number of
// differing rows and of all rows written.
func (m *Materializer) InsertLeaf(ctx context.Context, p *plan, rng *hashRange) (diff, written int64, err error) {
	affected, err := m.eng.ExecBatch(ctx, p.leafStatements(m.quoted, rng)...)
	if err != nil {
		return 0, 0, err
	}
	for _, n := range affected {
		written += n
	}
	return affected[0], written, nil
}

// Summarize counts results rows per diff type.
func (m *Materializer) Summarize(ctx context.Context) (*DiffSummary, error) {
	q := m.eng.Dialect().Quote
	rows, err := m.eng.Query(ctx, fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s", q(DiffTypeColumn), m.quoted, q(DiffTypeColumn)))
	if err != nil {
		return nil, fmt.Errorf("failed to summarize results table %s: %w", m.TableName(), err)
	}
	defer rows.Close()

	s := &DiffSummary{}
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		switch kind {
		case DiffOnlyInA:
			s.OnlyInA = n
		case DiffOnlyInB:
			s.OnlyInB = n
		case DiffDiffers:
			s.Differs = n
		case DiffMatch:
			s.Matches = n
		}
	}
	return s, rows.Err()
}
