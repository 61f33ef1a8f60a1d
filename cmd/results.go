package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/store"
)

var ErrComparisonRunning = errors.New("comparison is running, cancel it first")

var (
	resultsJSON   bool
	resultsDelete bool
)

var resultsCmd = &cobra.Command{
	Use:   "results [comparison-id]",
	Short: "List stored comparisons or show one",
	Long: `Without an id, lists every stored comparison with its last stage and diff count.
With an id, shows its configuration, last run and the progress of a run in flight.
--delete drops the results table and removes the comparison.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		defer recoverPanic()
		exitOnError("Results", runResults(args))
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "print JSON instead of text")
	resultsCmd.Flags().BoolVar(&resultsDelete, "delete", false, "drop the results table and remove the comparison")
}

func runResults(args []string) error {
	if resultsDelete && len(args) == 0 {
		return errors.New("--delete needs a comparison id")
	}
	config := setupCommand(resultsJSON)
	ctx, cancel := commandContext()
	defer cancel()

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if len(args) == 0 {
		list, err := a.service.List(ctx)
		if err != nil {
			return err
		}
		return writeComparisonList(os.Stdout, list, runningTasks(), resultsJSON)
	}

	id := args[0]
	if err := store.ValidateID(id); err != nil {
		return err
	}

	task := runningTask(id)
	if resultsDelete {
		if task != nil {
			return fmt.Errorf("%w: %s (pid %d)", ErrComparisonRunning, id, task.PID)
		}
		if err := a.service.Delete(ctx, id); err != nil {
			return err
		}
		logger.Info(fmt.Sprintf("🗑️  Deleted comparison %s", id))
		return nil
	}

	c, err := a.service.Get(ctx, id)
	if err != nil {
		return err
	}
	return writeComparisonDetail(os.Stdout, c, task, resultsJSON)
}

// runningTask returns the task file of a live run of id in any process.
func runningTask(id string) *TaskInfo {
	info, err := ReadTaskInfo(id)
	if err != nil || !IsProcessRunning(info.PID) {
		return nil
	}
	return info
}

func runningTasks() map[string]*TaskInfo {
	infos, err := ListTaskInfos()
	if err != nil {
		logger.Debug(fmt.Sprintf("Failed to list task files: %v", err))
	}
	out := make(map[string]*TaskInfo, len(infos))
	for _, info := range infos {
		out[info.ComparisonID] = info
	}
	return out
}

func writeComparisonList(w io.Writer, list []*comparison.Comparison, running map[string]*TaskInfo, asJSON bool) error {
	summaries := make([]ComparisonSummary, 0, len(list))
	for _, c := range list {
		summaries = append(summaries, summarize(c))
	}
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summaries)
	}

	if len(summaries) == 0 {
		fmt.Fprintln(w, "No comparisons stored yet.")
		return nil
	}

	fmt.Fprintln(w, tableHeaderStyle.Render(fmt.Sprintf("%-24s %-16s %-12s %10s  %-19s  %s", "ID", "STAGE", "ALGORITHM", "DIFF ROWS", "LAST RUN", "RESULTS TABLE")))
	for _, s := range summaries {
		stage := string(s.LastStage)
		if task, ok := running[s.ID]; ok {
			stage = fmt.Sprintf("%s %3.0f%%", task.Stage, task.Progress*100)
		}
		lastRun := "never"
		if s.LastRunAt != nil {
			lastRun = s.LastRunAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%-24s %-16s %-12s %10d  %-19s  %s\n", s.ID, stage, s.Algorithm, s.DiffRows, lastRun, s.ResultsTableName)
	}
	return nil
}

// comparisonDetail is the JSON form of `results <id>`.
type comparisonDetail struct {
	*comparison.Comparison
	Running *TaskInfo `json:"running,omitempty"`
}

func writeComparisonDetail(w io.Writer, c *comparison.Comparison, task *TaskInfo, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(comparisonDetail{Comparison: c, Running: task})
	}

	fmt.Fprintln(w, titleStyle.Render("Comparison "+c.ID))
	if c.Name != c.ID {
		fmt.Fprintf(w, "  Name:           %s\n", c.Name)
	}
	if cfg := c.Config; cfg != nil {
		fmt.Fprintf(w, "  Source A:       %s\n", cfg.SourceA.Label())
		fmt.Fprintf(w, "  Source B:       %s\n", cfg.SourceB.Label())
		fmt.Fprintf(w, "  Keys:           %s\n", strings.Join(cfg.JoinColumns, ", "))
		fmt.Fprintf(w, "  Algorithm:      %s\n", cfg.Algorithm)
		fmt.Fprintf(w, "  Compare mode:   %s\n", cfg.CompareMode)
		fmt.Fprintf(w, "  Join type:      %s\n", cfg.JoinType)
		if filterA, filterB := cfg.Filters(); filterA != "" || filterB != "" {
			fmt.Fprintf(w, "  Filters:        A: %s  B: %s (%s)\n", orDash(filterA), orDash(filterB), cfg.FilterMode)
		}
	}
	if st := c.Metadata.SourceStats; st != nil {
		fmt.Fprintf(w, "  Row counts:     A=%d  B=%d (%s)\n", st.RowCountA, st.RowCountB, st.Provenance)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Last stage:     %s\n", c.LastStage)
	if c.LastRunAt != nil {
		fmt.Fprintf(w, "  Last run:       %s (%s)\n", c.LastRunAt.Local().Format("2006-01-02 15:04:05"),
			(time.Duration(c.LastExecutionTime) * time.Millisecond).Round(time.Millisecond))
	}
	if c.Metadata.PartialResults {
		fmt.Fprintln(w, warnStyle.Render("  Results are partial: the run stopped before every bucket was compared"))
	}
	if c.ResultsTableName != "" {
		fmt.Fprintf(w, "  Results table:  %s\n", c.ResultsTableName)
	}
	if em := c.Metadata.ExecutionMetadata; em != nil {
		fmt.Fprintf(w, "  Algorithm used: %s\n", em.AlgorithmUsed)
		if s := em.Summary; s != nil {
			fmt.Fprintf(w, "  Only in A:      %d\n", s.OnlyInA)
			fmt.Fprintf(w, "  Only in B:      %d\n", s.OnlyInB)
			fmt.Fprintf(w, "  Differs:        %d\n", s.Differs)
			if s.Matches > 0 {
				fmt.Fprintf(w, "  Matches:        %d\n", s.Matches)
			}
		}
		if m := em.HashDiffMetrics; m != nil {
			fmt.Fprintf(w, "  Buckets:        %d processed, %d enqueued, depth %d, %d oversized\n",
				m.ProcessedBuckets, m.TotalBucketsEnqueued, m.MaxDepth, m.OversizedBuckets)
		}
		if sp := em.SamplingParams; sp != nil {
			fmt.Fprintf(w, "  Sampling:       %d of %d rows (rate %.4f) via %s\n", sp.TargetSampleSize, sp.TotalRows, sp.Rate, sp.BaseAlgorithm)
		}
	}
	if c.LastError != "" {
		fmt.Fprintln(w, warnStyle.Render("  Error: "+c.LastError))
	}

	if task != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  Running in pid %d since %s\n", task.PID, task.StartTime.Local().Format("15:04:05"))
		fmt.Fprintf(w, "  Stage:          %s (%.0f%%)\n", task.Stage, task.Progress*100)
		if task.TotalBuckets > 0 {
			fmt.Fprintf(w, "  Buckets:        %d/%d completed, %d pending\n", task.CompletedBuckets, task.TotalBuckets, task.PendingBuckets)
		}
		fmt.Fprintf(w, "  Diff rows:      %d\n", task.DiffRows)
		if task.CancelRequested {
			fmt.Fprintln(w, "  Cancellation requested")
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
