package comparison

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// Options tune execution. Zero values fall back to defaults, except MaxRetries
// where zero means no retries; start from DefaultOptions to get the default budget.
type Options struct {
	// Threshold is the largest combined row count of a leaf bucket.
	Threshold int64
	// LargeDatasetThreshold is the per-side row count above which auto selects
	// hash-bucket.
	LargeDatasetThreshold int64
	Modulus               int
	MaxDepth              int
	MaxRetries            int
	RetryDelay            time.Duration
	SampleSize            int64

	Metrics MetricsRecorder
	Logger  *slog.Logger
}

// Defaults
const (
	DefaultThreshold             = 10000
	DefaultLargeDatasetThreshold = 100000
	DefaultModulus               = 4
	DefaultMaxDepth              = 8
	DefaultMaxRetries            = 2
	DefaultRetryDelay            = 500 * time.Millisecond
	DefaultSampleSize            = 10000

	MinModulus = 2
	MaxModulus = 16
)

// DefaultOptions returns the default execution options.
func DefaultOptions() Options {
	return Options{
		Threshold:             DefaultThreshold,
		LargeDatasetThreshold: DefaultLargeDatasetThreshold,
		Modulus:               DefaultModulus,
		MaxDepth:              DefaultMaxDepth,
		MaxRetries:            DefaultMaxRetries,
		RetryDelay:            DefaultRetryDelay,
		SampleSize:            DefaultSampleSize,
	}
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.LargeDatasetThreshold <= 0 {
		o.LargeDatasetThreshold = DefaultLargeDatasetThreshold
	}
	if o.Modulus == 0 {
		o.Modulus = DefaultModulus
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Modulus != 0 && (o.Modulus < MinModulus || o.Modulus > MaxModulus) {
		return fmt.Errorf("%w: modulus must be between %d and %d, got %d", ErrUnsupportedOptions, MinModulus, MaxModulus, o.Modulus)
	}
	return nil
}

// DiffExecutor is the contract shared by the join, hash-bucket and sampling
// algorithms: drive the tracker through the stage machine and write diff rows
// through the materializer.
type DiffExecutor interface {
	Algorithm() Algorithm
	Execute(ctx context.Context, r *Run) error
}

// NewExecutor constructs the executor for a concrete algorithm.
func NewExecutor(algorithm Algorithm, opts Options) (DiffExecutor, error) {
	opts = opts.withDefaults()
	hash := &HashBucketExecutor{Threshold: opts.Threshold, Modulus: opts.Modulus, MaxDepth: opts.MaxDepth}
	switch algorithm {
	case AlgorithmJoin:
		return &JoinExecutor{}, nil
	case AlgorithmHashBucket:
		return hash, nil
	case AlgorithmSampling:
		return &SamplingExecutor{
			SampleSize:            opts.SampleSize,
			LargeDatasetThreshold: opts.LargeDatasetThreshold,
			join:                  &JoinExecutor{},
			hash:                  hash,
		}, nil
	}
	return nil, fmt.Errorf("%w: no executor for algorithm '%s'", ErrUnsupportedOptions, algorithm)
}

// Request is one run of a comparison.
type Request struct {
	ComparisonID string
	Config       *Config
	Schema       *SchemaComparisonResult
}

// Result is the outcome of a run.
type Result struct {
	Stage            Stage             `json:"stage"`
	ResultsTableName string            `json:"resultsTableName,omitempty"`
	Progress         Progress          `json:"progress"`
	Metadata         ExecutionMetadata `json:"metadata"`
}

// Run is the state shared by an executor and its helpers for a single execution.
type Run struct {
	eng       Engine
	plan      *plan
	mat       *Materializer
	tracker   *Tracker
	meta      *ExecutionMetadata
	opts      Options
	logger    *slog.Logger
	ceiling   int64
	rowCountA int64
	rowCountB int64
	prepared  bool
}

// Execute validates the request, selects an algorithm and runs it. Validation
// failures return before any SQL is issued. A cancelled run returns ErrCancelled;
// partial results are reported through Result.Stage with a nil error.
func Execute(ctx context.Context, eng Engine, tracker *Tracker, req Request, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	p, err := buildPlan(eng.Dialect(), req.Config, req.Schema)
	if err != nil {
		return nil, err
	}
	if req.ComparisonID == "" {
		return nil, validationErr("comparisonId", "must not be empty", nil)
	}
	if req.Config.SampleSize > 0 {
		opts.SampleSize = req.Config.SampleSize
	}

	algorithm := SelectAlgorithm(req.Config.Algorithm, req.Schema.RowCountA, req.Schema.RowCountB, opts.LargeDatasetThreshold)
	exec, err := NewExecutor(algorithm, opts)
	if err != nil {
		return nil, err
	}

	r := &Run{
		eng:       eng,
		plan:      p,
		mat:       NewMaterializer(eng, req.ComparisonID, req.Config.ResultsSchema),
		tracker:   tracker,
		meta:      &ExecutionMetadata{RunID: uuid.NewString(), AlgorithmUsed: algorithm},
		opts:      opts,
		logger:    opts.Logger.With("comparison", req.ComparisonID),
		ceiling:   eng.Dialect().HashCeiling(),
		rowCountA: req.Schema.RowCountA,
		rowCountB: req.Schema.RowCountB,
	}

	start := time.Now()
	r.logger.Info(fmt.Sprintf("Starting %s comparison (rows A=%d, B=%d)", algorithm, r.rowCountA, r.rowCountB))
	runErr := exec.Execute(ctx, r)
	duration := time.Since(start)
	r.meta.DurationMs = duration.Milliseconds()

	progress := tracker.Snapshot()
	result := &Result{Stage: progress.Stage, Progress: progress, Metadata: *r.meta}
	if progress.Stage == StageCompleted || progress.Stage == StagePartial {
		result.ResultsTableName = r.mat.TableName()
	}

	opts.Metrics.RunFinished(algorithm, progress.Stage, duration)
	r.logger.Info(fmt.Sprintf("Comparison finished: stage=%s buckets=%d/%d diffRows=%d in %s",
		progress.Stage, progress.CompletedBuckets, progress.TotalBuckets, progress.DiffRows, duration.Round(time.Millisecond)))
	return result, runErr
}

// rangeFor returns nil for the full key space so generated SQL skips the hash
// predicate.
func (r *Run) rangeFor(rng hashRange) *hashRange {
	if rng.lo <= 0 && rng.hi >= r.ceiling {
		return nil
	}
	return &rng
}

func (r *Run) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		r.tracker.Cancel()
		return true
	}
	return r.tracker.IsCancelled()
}

// retry runs fn within the bucket retry budget. A cancelled context ends retries
// immediately and is returned as is.
func (r *Run) retry(ctx context.Context, b Bucket, op string, fn func() error) error {
	var (
		err      error
		attempts int
	)
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			r.opts.Metrics.BucketRetried(op)
			r.logger.Warn(fmt.Sprintf("Retrying %s for bucket (%s), attempt %d/%d: %s",
				op, b.String(), attempt, r.opts.MaxRetries, sqlsafe.SanitizeError(err.Error())))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
		}
		attempts++
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return &ExecutionFailed{Last: &BucketQueryError{Bucket: b, Op: op, Attempts: attempts, Err: err}}
}

func (r *Run) ensurePrepared(ctx context.Context, b Bucket) error {
	if r.prepared {
		return nil
	}
	if err := r.retry(ctx, b, "prepare", func() error { return r.mat.Prepare(ctx, r.plan) }); err != nil {
		return err
	}
	r.prepared = true
	return nil
}

// count returns both sides' row counts within rng.
func (r *Run) count(ctx context.Context, b Bucket, rng *hashRange) (countA, countB int64, err error) {
	err = r.retry(ctx, b, "count", func() error {
		var qerr error
		if countA, qerr = r.eng.QueryInt64(ctx, r.plan.countSQL(true, rng)); qerr != nil {
			return qerr
		}
		countB, qerr = r.eng.QueryInt64(ctx, r.plan.countSQL(false, rng))
		return qerr
	})
	return countA, countB, err
}

// leaf materializes one bucket and returns its diff row count.
func (r *Run) leaf(ctx context.Context, b Bucket, rng *hashRange) (int64, error) {
	if err := r.ensurePrepared(ctx, b); err != nil {
		return 0, err
	}
	start := time.Now()
	var diff int64
	err := r.retry(ctx, b, "insert", func() error {
		d, _, ierr := r.mat.InsertLeaf(ctx, r.plan, rng)
		diff = d
		return ierr
	})
	if err != nil {
		return 0, err
	}
	r.opts.Metrics.BucketProcessed(BucketKindLeaf, time.Since(start))
	r.opts.Metrics.DiffRowsWritten(diff)
	return diff, nil
}

// stop ends a run that observed cancellation. With completed buckets and an
// algorithm that can finish early the partial output is finalized.
func (r *Run) stop(ctx context.Context, completed int) error {
	if completed > 0 && r.tracker.Snapshot().SupportsFinishEarly {
		r.logger.Info(fmt.Sprintf("Cancellation requested, finishing early with %d completed bucket(s)", completed))
		return r.finalize(ctx, true)
	}
	r.logger.Info("Cancellation requested before any bucket completed")
	if err := r.tracker.Transition(StageCancelled, func(p *Progress) { p.CurrentBucket = nil }); err != nil {
		return err
	}
	return ErrCancelled
}

// fail records err on the progress record and moves to failed.
func (r *Run) fail(err error) error {
	msg := sqlsafe.SanitizeError(err.Error())
	r.logger.Error(fmt.Sprintf("Comparison failed: %s", msg))
	_ = r.tracker.Transition(StageFailed, func(p *Progress) { p.Error = msg })
	return err
}

// handle turns an executor error into the matching terminal outcome.
func (r *Run) handle(ctx context.Context, err error, completed int) error {
	if ctx.Err() != nil {
		r.tracker.Cancel()
		return r.stop(ctx, completed)
	}
	return r.fail(err)
}

// finalize summarizes the results table. Finalizing runs even when ctx was
// cancelled so partial output gets its summary.
func (r *Run) finalize(ctx context.Context, partial bool) error {
	fctx := context.WithoutCancel(ctx)
	if err := r.tracker.Transition(StageFinalizing, func(p *Progress) { p.CurrentBucket = nil }); err != nil {
		return err
	}
	if err := r.ensurePrepared(fctx, Bucket{}); err != nil {
		return r.fail(err)
	}

	summary, err := r.mat.Summarize(fctx)
	if err != nil {
		return r.fail(err)
	}
	r.meta.Summary = summary

	final := StageCompleted
	if partial {
		final = StagePartial
	}
	return r.tracker.Transition(final, func(p *Progress) {
		p.DiffRows = summary.DiffRows()
	})
}
