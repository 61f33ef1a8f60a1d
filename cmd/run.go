package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/orchestrator"
	"github.com/airframesio/data-compare/cmd/store"
)

var errSourceRequired = errors.New("both sources are required")

// shutdownGrace is how long a cancelled run may take to finalize partial results
// before the process exits anyway.
const shutdownGrace = 10 * time.Second

const taskWriteInterval = 250 * time.Millisecond

type runFlags struct {
	sourceA string
	sourceB string
	queryA  string
	queryB  string

	keys      []string
	keyMap    map[string]string
	columnMap map[string]string
	exclude   []string

	filter     string
	filterA    string
	filterB    string
	filterMode string

	compareMode         string
	algorithm           string
	joinType            string
	showOnlyDifferences bool
	sampleSize          int64
	resultsSchema       string

	noTUI bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run <comparison-id>",
	Short: "Configure and run a comparison",
	Long: `Runs comparison <comparison-id>, creating it on first use. Source and option flags
update the stored configuration; without them the stored configuration is rerun.

Differences are written to the table comparison_results_<comparison-id>. Press
Ctrl+C (or run 'data-compare cancel <comparison-id>') to stop after the current
bucket and keep what has been diffed so far.`,
	Example: `  data-compare run orders --a public.orders --b replica.orders --key id
  data-compare run eu-orders --a-query "SELECT * FROM orders WHERE region = 'eu'" --b orders_eu --key id
  data-compare run orders --algorithm hash-bucket --threshold 50000
  data-compare run orders`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		defer recoverPanic()
		exitOnError("Comparison", runCompare(cmd, args[0]))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVar(&runOpts.sourceA, "a", "", "table or view for side A (schema.table)")
	f.StringVar(&runOpts.sourceB, "b", "", "table or view for side B (schema.table)")
	f.StringVar(&runOpts.queryA, "a-query", "", "SELECT query for side A")
	f.StringVar(&runOpts.queryB, "b-query", "", "SELECT query for side B")

	f.StringSliceVar(&runOpts.keys, "key", nil, "join key column(s), A-side names")
	f.StringToStringVar(&runOpts.keyMap, "key-map", nil, "join key name mapping A=B")
	f.StringToStringVar(&runOpts.columnMap, "map", nil, "column name mapping A=B")
	f.StringSliceVar(&runOpts.exclude, "exclude", nil, "columns left out of value comparison")

	f.StringVar(&runOpts.filter, "filter", "", "WHERE fragment applied to both sides")
	f.StringVar(&runOpts.filterA, "filter-a", "", "WHERE fragment for side A")
	f.StringVar(&runOpts.filterB, "filter-b", "", "WHERE fragment for side B")
	f.StringVar(&runOpts.filterMode, "filter-mode", "", "filter mode: common or separate (inferred from the filter flags)")

	f.StringVar(&runOpts.compareMode, "compare-mode", "", "value comparison: strict or coerce")
	f.StringVar(&runOpts.algorithm, "algorithm", "", "algorithm: auto, join, hash-bucket or sampling")
	f.StringVar(&runOpts.joinType, "join-type", "", "join type: full, left, right or inner")
	f.BoolVar(&runOpts.showOnlyDifferences, "show-only-differences", true, "leave matching rows out of the results table")
	f.Int64Var(&runOpts.sampleSize, "sample-size", 0, "target sample size for the sampling algorithm")
	f.StringVar(&runOpts.resultsSchema, "results-schema", "", "schema the results table is created in")

	f.BoolVar(&runOpts.noTUI, "no-tui", false, "log progress lines instead of the interactive display")
	f.Bool("viewer", false, "start the web viewer while the comparison runs")

	f.Int64("threshold", comparison.DefaultThreshold, "largest combined row count of a leaf bucket")
	f.Int64("large-dataset-threshold", comparison.DefaultLargeDatasetThreshold, "per-side row count above which auto picks hash-bucket")
	f.Int("modulus", comparison.DefaultModulus, "buckets a split produces (2-16)")
	f.Int("max-depth", comparison.DefaultMaxDepth, "deepest bucket split")
	f.Int("bucket-retries", comparison.DefaultMaxRetries, "retries of a failed bucket query")
	f.Int("bucket-retry-delay-ms", int(comparison.DefaultRetryDelay.Milliseconds()), "delay between bucket retries in milliseconds")

	bind := map[string]string{
		"viewer":                          "viewer",
		"compare.threshold":               "threshold",
		"compare.large_dataset_threshold": "large-dataset-threshold",
		"compare.modulus":                 "modulus",
		"compare.max_depth":               "max-depth",
		"compare.bucket_retries":          "bucket-retries",
		"compare.bucket_retry_delay_ms":   "bucket-retry-delay-ms",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

// sourceFromFlags returns nil when neither flag of a side is set.
func sourceFromFlags(side, table, query string) (*comparison.Source, error) {
	switch {
	case table != "" && query != "":
		return nil, fmt.Errorf("--%s and --%s-query are mutually exclusive", side, side)
	case table != "":
		s := comparison.TableSource(table)
		return &s, nil
	case query != "":
		s := comparison.QuerySource(query, side)
		return &s, nil
	}
	return nil, nil
}

// buildComparisonConfig layers the flags that were set over the stored
// configuration of a comparison (prior may be nil).
func buildComparisonConfig(f runFlags, changed func(string) bool, prior *comparison.Config) (comparison.Config, error) {
	var cfg comparison.Config
	if prior != nil {
		cfg = prior.Clone()
	} else {
		cfg.ShowOnlyDifferences = f.showOnlyDifferences
	}

	a, err := sourceFromFlags("a", f.sourceA, f.queryA)
	if err != nil {
		return cfg, err
	}
	if a != nil {
		cfg.SourceA = *a
	}
	b, err := sourceFromFlags("b", f.sourceB, f.queryB)
	if err != nil {
		return cfg, err
	}
	if b != nil {
		cfg.SourceB = *b
	}
	if cfg.SourceA.Kind == "" || cfg.SourceB.Kind == "" {
		return cfg, fmt.Errorf("%w: use --a or --a-query and --b or --b-query", errSourceRequired)
	}

	if changed("key") {
		cfg.JoinColumns = f.keys
	}
	if changed("key-map") {
		cfg.JoinKeyMappings = f.keyMap
	}
	if changed("map") {
		cfg.ColumnMappings = f.columnMap
	}
	if changed("exclude") {
		cfg.ExcludedColumns = f.exclude
	}

	if changed("filter") {
		cfg.CommonFilter = f.filter
	}
	if changed("filter-a") {
		cfg.FilterA = f.filterA
	}
	if changed("filter-b") {
		cfg.FilterB = f.filterB
	}
	switch {
	case changed("filter-mode"):
		cfg.SetFilterMode(comparison.FilterMode(f.filterMode))
	case changed("filter-a") || changed("filter-b"):
		cfg.SetFilterMode(comparison.FilterSeparate)
	case changed("filter"):
		cfg.SetFilterMode(comparison.FilterCommon)
	}

	if changed("compare-mode") {
		cfg.CompareMode = comparison.CompareMode(f.compareMode)
	}
	if changed("algorithm") {
		cfg.Algorithm = comparison.Algorithm(f.algorithm)
	}
	if changed("join-type") {
		cfg.JoinType = comparison.JoinType(f.joinType)
	}
	if changed("show-only-differences") {
		cfg.ShowOnlyDifferences = f.showOnlyDifferences
	}
	if changed("sample-size") {
		cfg.SampleSize = f.sampleSize
	}
	if changed("results-schema") {
		cfg.ResultsSchema = f.resultsSchema
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// tuiEnabled reports whether the interactive display can be used. It is off in
// debug mode so log lines stay visible.
func tuiEnabled(noTUI bool) bool {
	if noTUI || viper.GetBool("debug") || viper.GetString("log_format") == "json" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func runCompare(cmd *cobra.Command, id string) error {
	useTUI := tuiEnabled(runOpts.noTUI)
	config := setupCommand(useTUI)

	ctx, cancel := commandContext()
	defer cancel()

	// Finalizing partial results runs past cancellation; don't let it hang forever.
	exited := make(chan struct{})
	go func() {
		select {
		case <-exited:
			return
		case <-ctx.Done():
		}
		logger.Info("")
		logger.Info("⚠️  Interrupt received, finishing the current bucket...")
		select {
		case <-exited:
		case <-time.After(shutdownGrace):
			logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
			os.Exit(130)
		}
	}()
	defer close(exited)

	if err := store.ValidateID(id); err != nil {
		return err
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🔍 Data Compare v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	startUpdateCheck(newUpdateChecker())

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var prior *comparison.Config
	stored, err := a.service.Get(ctx, id)
	switch {
	case err == nil:
		prior = stored.Config
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	cfg, err := buildComparisonConfig(runOpts, cmd.Flags().Changed, prior)
	if err != nil {
		return err
	}

	var extra []comparison.ProgressSink
	if config.Viewer {
		v := newViewerServer(a)
		stopViewer, err := v.start(config.ViewerPort)
		if err != nil {
			return err
		}
		defer stopViewer()
		extra = append(extra, v.progressSink(id))
	}

	if !useTUI {
		fmt.Fprintln(os.Stderr, "\n"+infoStyle.Render("💡 To stop early: press Ctrl+C, or run:"))
		fmt.Fprintf(os.Stderr, "   %s\n\n", infoStyle.Render("data-compare cancel "+id))
	}

	res, err := executeRun(ctx, a, id, cfg, useTUI, extra...)

	if useTUI {
		// The display owned the terminal; log normally from here on.
		initLogger(config.Debug, config.LogFormat)
		if res != nil {
			fmt.Println()
			fmt.Println(titleStyle.Render("Comparison summary"))
			for _, line := range renderSummary(res) {
				fmt.Println("  " + line)
			}
			fmt.Println()
		}
	} else if res != nil {
		logger.Info("")
		for _, line := range renderSummary(res) {
			logger.Info("   " + line)
		}
	}
	if err != nil {
		return err
	}

	logger.Info("")
	if outcome := comparison.Outcome(res.Stage); errors.Is(outcome, comparison.ErrPartialResult) {
		logger.Info(fmt.Sprintf("⚠️  Results are partial: %v (%d/%d buckets)", outcome, res.Progress.CompletedBuckets, res.Progress.TotalBuckets))
	} else {
		logger.Info("✅ Comparison completed successfully!")
	}
	return nil
}

// executeRun runs comparison id with the PID, task and stop files in place,
// driving either the TUI or plain progress logging.
func executeRun(ctx context.Context, a *app, id string, cfg comparison.Config, useTUI bool, extra ...comparison.ProgressSink) (*orchestrator.RunResult, error) {
	if err := WritePIDFile(id); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Failed to write PID file: %v", err))
	}
	_ = os.Remove(GetStopFilePath(id))
	defer removeRunFiles(id)

	runCtx, abort := context.WithCancel(ctx)
	defer abort()

	// A stop file seen before the run registered is applied on its first update.
	var stopRequested atomic.Bool
	watchStopFile(runCtx, GetStopFilePath(id), func() {
		logger.Info(fmt.Sprintf("🛑 Stop requested for %s, finishing the current bucket", id))
		stopRequested.Store(true)
		a.service.Cancel(id)
	})

	tasks := newTaskWriter(id, cfg)
	sinks := []comparison.ProgressSink{
		tasks.sink,
		func(p comparison.Progress) {
			if stopRequested.Load() && !p.CancelRequested && !p.Stage.Terminal() {
				a.service.Cancel(id)
			}
		},
	}
	sinks = append(sinks, extra...)

	if !useTUI {
		sinks = append(sinks, logProgressSink(time.Now))
		return a.service.Run(runCtx, id, cfg, sinks...)
	}

	model := newRunModel(id, cfg, func() { a.service.Cancel(id) }, abort)
	program := tea.NewProgram(model, tea.WithoutSignalHandler())
	sinks = append(sinks, func(p comparison.Progress) { program.Send(progressUpdateMsg(p)) })

	type outcome struct {
		res *orchestrator.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := a.service.Run(runCtx, id, cfg, sinks...)
		program.Send(runDoneMsg{result: res, err: err})
		done <- outcome{res, err}
	}()

	if _, err := program.Run(); err != nil {
		abort()
		<-done
		return nil, fmt.Errorf("error running progress display: %w", err)
	}
	out := <-done
	return out.res, out.err
}

// taskWriter mirrors progress into the task file read by other processes.
type taskWriter struct {
	mu        sync.Mutex
	info      *TaskInfo
	lastWrite time.Time
}

func newTaskWriter(id string, cfg comparison.Config) *taskWriter {
	w := &taskWriter{info: &TaskInfo{
		PID:          os.Getpid(),
		StartTime:    time.Now(),
		ComparisonID: id,
		SourceA:      cfg.SourceA.Label(),
		SourceB:      cfg.SourceB.Label(),
		Algorithm:    cfg.Algorithm,
		Stage:        comparison.StageIdle,
	}}
	if err := WriteTaskInfo(w.info); err != nil {
		logger.Debug(fmt.Sprintf("Failed to write task info: %v", err))
	}
	return w
}

func (w *taskWriter) sink(p comparison.Progress) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.info.apply(p)
	if !p.Stage.Terminal() && time.Since(w.lastWrite) < taskWriteInterval {
		return
	}
	if err := WriteTaskInfo(w.info); err != nil {
		logger.Debug(fmt.Sprintf("Failed to write task info: %v", err))
	}
	w.lastWrite = time.Now()
}

// logProgressSink logs stage milestones and at most one bucket line per second.
func logProgressSink(now func() time.Time) comparison.ProgressSink {
	var (
		mu         sync.Mutex
		last       comparison.Stage
		lastBucket time.Time
	)
	return func(p comparison.Progress) {
		mu.Lock()
		defer mu.Unlock()
		changed := p.Stage != last
		last = p.Stage

		switch p.Stage { //nolint:exhaustive // remaining stages are logged at debug level
		case comparison.StageCounting:
			if changed {
				logger.Info("🔢 Counting rows...")
			}
		case comparison.StageBucketComplete:
			if t := now(); t.Sub(lastBucket) >= time.Second {
				lastBucket = t
				logger.Info(fmt.Sprintf("📦 Buckets %d done, %d pending | rows %d | diffs %d",
					p.CompletedBuckets, p.PendingBuckets, p.ProcessedRows, p.DiffRows))
			}
		case comparison.StageFinalizing:
			if changed {
				logger.Info("🧮 Summarizing results...")
			}
		case comparison.StageFailed:
			if changed {
				logger.Error("❌ " + p.Error)
			}
		default:
			if p.CurrentBucket != nil {
				logger.Debug(fmt.Sprintf("%s %s", p.Stage, p.CurrentBucket.String()))
			}
		}
		if p.CancelRequested && changed && !p.Stage.Terminal() {
			logger.Info("⏸  Cancellation requested")
		}
	}
}
