package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/airframesio/data-compare/cmd/comparison"
)

var ErrOutputFormatUnknown = errors.New("output format must be one of: text, json")

var (
	analyzeSourceA string
	analyzeSourceB string
	analyzeQueryA  string
	analyzeQueryB  string
	analyzeMap     map[string]string
	analyzeOutput  string
	analyzeFile    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Compare the schemas of two sources",
	Long: `Describes two tables or queries and reports their common columns with types,
the columns only one side has, suggested join keys and row counts. Nothing is
stored; use it to choose keys and mappings before a run.`,
	Run: func(_ *cobra.Command, _ []string) {
		defer recoverPanic()
		exitOnError("Analysis", runAnalyze())
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	f := analyzeCmd.Flags()
	f.StringVar(&analyzeSourceA, "a", "", "table or view for side A (schema.table)")
	f.StringVar(&analyzeSourceB, "b", "", "table or view for side B (schema.table)")
	f.StringVar(&analyzeQueryA, "a-query", "", "SELECT query for side A")
	f.StringVar(&analyzeQueryB, "b-query", "", "SELECT query for side B")
	f.StringToStringVar(&analyzeMap, "map", nil, "column name mapping A=B")
	f.StringVar(&analyzeOutput, "output", "text", "output format: text, json")
	f.StringVar(&analyzeFile, "output-file", "", "output file path (default: stdout)")
}

func runAnalyze() error {
	if analyzeOutput != "text" && analyzeOutput != "json" {
		return fmt.Errorf("%w, got '%s'", ErrOutputFormatUnknown, analyzeOutput)
	}
	a, err := sourceFromFlags("a", analyzeSourceA, analyzeQueryA)
	if err != nil {
		return err
	}
	b, err := sourceFromFlags("b", analyzeSourceB, analyzeQueryB)
	if err != nil {
		return err
	}
	if a == nil || b == nil {
		return errSourceRequired
	}

	// JSON on stdout must not be interleaved with log lines.
	config := setupCommand(analyzeOutput == "json" && analyzeFile == "")
	ctx, cancel := commandContext()
	defer cancel()

	application, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer closeApp(application)

	logger.Info(fmt.Sprintf("🔍 Analyzing %s and %s", a.Label(), b.Label()))
	result, err := application.service.AnalyzeSchema(ctx, *a, *b, analyzeMap)
	if err != nil {
		return err
	}

	var output io.Writer = os.Stdout
	if analyzeFile != "" {
		file, err := os.Create(analyzeFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		output = file
	}
	return writeSchemaReport(output, analyzeOutput, *a, *b, result)
}

func writeSchemaReport(w io.Writer, format string, a, b comparison.Source, result *comparison.SchemaComparisonResult) error {
	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
	return writeSchemaText(w, a, b, result)
}

func writeSchemaText(w io.Writer, a, b comparison.Source, result *comparison.SchemaComparisonResult) error {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(w, "SCHEMA COMPARISON\n")
	fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(w, "  A: %s\n", a.Label())
	fmt.Fprintf(w, "  B: %s\n", b.Label())
	fmt.Fprintf(w, "\n")

	nameWidth, typeWidth := len("Column"), len("Type A")
	for _, c := range result.CommonColumns {
		nameWidth = max(nameWidth, len(columnLabel(c)))
		typeWidth = max(typeWidth, len(c.TypeA))
	}

	fmt.Fprintf(w, "Common columns (%d):\n", len(result.CommonColumns))
	fmt.Fprintf(w, "  %-*s  %-*s  %s\n", nameWidth, "Column", typeWidth, "Type A", "Type B")
	for _, c := range result.CommonColumns {
		marker := ""
		if !c.TypesMatch {
			marker = "  ⚠️  type mismatch"
		}
		fmt.Fprintf(w, "  %-*s  %-*s  %s%s\n", nameWidth, columnLabel(c), typeWidth, c.TypeA, c.TypeB, marker)
	}

	if len(result.OnlyInA) > 0 {
		fmt.Fprintf(w, "\n⚠️  Columns only in A:\n")
		for _, col := range result.OnlyInA {
			fmt.Fprintf(w, "  • %s\n", col)
		}
	}
	if len(result.OnlyInB) > 0 {
		fmt.Fprintf(w, "\n⚠️  Columns only in B:\n")
		for _, col := range result.OnlyInB {
			fmt.Fprintf(w, "  • %s\n", col)
		}
	}

	fmt.Fprintf(w, "\n")
	if len(result.SuggestedKeys) > 0 {
		fmt.Fprintf(w, "Suggested keys: %v\n", result.SuggestedKeys)
	} else {
		fmt.Fprintf(w, "Suggested keys: none, pass --key to run\n")
	}
	fmt.Fprintf(w, "Row counts:     A=%d  B=%d (%s)\n", result.RowCountA, result.RowCountB, result.RowCountProvenance)
	return nil
}

// columnLabel shows the B-side name of a mapped column.
func columnLabel(c comparison.ColumnComparison) string {
	if c.NameB != "" && c.NameB != c.Name {
		return c.Name + " → " + c.NameB
	}
	return c.Name
}
