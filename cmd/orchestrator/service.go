// Package orchestrator owns the comparison lifecycle: schema analysis, one
// in-flight run per comparison id, cancellation and persistence of the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
	"github.com/airframesio/data-compare/cmd/store"
)

// SinkFactory builds a progress sink for a run of comparison id. Factories are
// registered once and attached to every run, e.g. the Redis publisher.
type SinkFactory func(ctx context.Context, id string) comparison.ProgressSink

// RunResult is what Run reports back to the caller.
type RunResult struct {
	ComparisonID     string                       `json:"comparisonId"`
	Stage            comparison.Stage             `json:"stage"`
	ResultsTableName string                       `json:"resultsTableName,omitempty"`
	Progress         comparison.Progress          `json:"progress"`
	Metadata         comparison.ExecutionMetadata `json:"metadata"`
}

type handle struct {
	tracker *comparison.Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// Service is safe for concurrent use.
type Service struct {
	eng      comparison.Engine
	store    store.Store
	analyzer *comparison.Analyzer
	opts     comparison.Options
	sinks    []SinkFactory
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// Option customizes a Service.
type Option func(*Service)

// WithExecutionOptions sets the options every run executes with.
func WithExecutionOptions(opts comparison.Options) Option {
	return func(s *Service) { s.opts = opts }
}

// WithSinkFactory attaches a progress sink to every run.
func WithSinkFactory(f SinkFactory) Option {
	return func(s *Service) { s.sinks = append(s.sinks, f) }
}

// WithRowCountCache lets schema analysis reuse previous COUNT(*) results.
func WithRowCountCache(cache comparison.RowCountCache) Option {
	return func(s *Service) {
		s.analyzer = comparison.NewAnalyzer(s.eng, cache, s.logger)
	}
}

// New returns a service running comparisons on eng and persisting them in st.
func New(eng comparison.Engine, st store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{
		eng:     eng,
		store:   st,
		opts:    comparison.DefaultOptions(),
		logger:  logger,
		handles: make(map[string]*handle),
	}
	s.analyzer = comparison.NewAnalyzer(eng, nil, logger)
	for _, opt := range opts {
		opt(s)
	}
	if s.opts.Logger == nil {
		s.opts.Logger = logger
	}
	return s
}

// AnalyzeSchema reconciles the schemas of two sources.
func (s *Service) AnalyzeSchema(ctx context.Context, a, b comparison.Source, mappings map[string]string) (*comparison.SchemaComparisonResult, error) {
	return s.analyzer.Analyze(ctx, a, b, mappings)
}

// acquire installs a handle for id. An active run for the same id is cancelled
// and awaited first.
func (s *Service) acquire(ctx context.Context, id string, h *handle) error {
	for {
		s.mu.Lock()
		prior, ok := s.handles[id]
		if !ok {
			s.handles[id] = h
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		s.logger.Info(fmt.Sprintf("Replacing active run of comparison %s", id))
		prior.tracker.Cancel()
		prior.cancel()
		select {
		case <-prior.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) release(id string, h *handle) {
	s.mu.Lock()
	if s.handles[id] == h {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	close(h.done)
}

// Run configures comparison id with cfg and executes it. The comparison record is
// created on first use. Validation and schema errors return before any diff SQL;
// a cancelled run returns comparison.ErrCancelled alongside its result.
func (s *Service) Run(ctx context.Context, id string, cfg comparison.Config, sinks ...comparison.ProgressSink) (*RunResult, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, f := range s.sinks {
		sinks = append(sinks, f(ctx, id))
	}
	h := &handle{tracker: comparison.NewTracker(sinks...), cancel: cancel, done: make(chan struct{})}
	if err := s.acquire(ctx, id, h); err != nil {
		return nil, err
	}
	defer s.release(id, h)

	c, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c = comparison.NewComparison(id, "")
	} else if err != nil {
		return nil, fmt.Errorf("failed to load comparison %s: %w", id, err)
	}
	c.SetConfig(cfg)

	if c.SchemaComparison == nil {
		schema, err := s.analyzer.Analyze(runCtx, c.Config.SourceA, c.Config.SourceB, c.Config.Mappings())
		if err != nil {
			s.record(ctx, c, nil, err)
			return nil, err
		}
		c.SchemaComparison = schema
		c.Metadata.SourceStats = &comparison.SourceStats{
			RowCountA:  schema.RowCountA,
			RowCountB:  schema.RowCountB,
			Provenance: schema.RowCountProvenance,
		}
	}

	res, runErr := comparison.Execute(runCtx, s.eng, h.tracker,
		comparison.Request{ComparisonID: id, Config: c.Config, Schema: c.SchemaComparison}, s.opts)
	s.record(ctx, c, res, runErr)
	if res == nil {
		return nil, runErr
	}
	return &RunResult{
		ComparisonID:     id,
		Stage:            res.Stage,
		ResultsTableName: res.ResultsTableName,
		Progress:         res.Progress,
		Metadata:         res.Metadata,
	}, runErr
}

// record persists the outcome of a run. The results table name only moves forward
// on completed or partial runs so a cancelled rerun keeps pointing at the last one.
func (s *Service) record(ctx context.Context, c *comparison.Comparison, res *comparison.Result, runErr error) {
	now := time.Now().UTC()
	c.UpdatedAt = now
	c.LastError = ""
	if runErr != nil && !errors.Is(runErr, comparison.ErrCancelled) {
		c.LastError = sqlsafe.SanitizeError(runErr.Error())
	}

	if res != nil {
		c.LastRunAt = &now
		c.LastExecutionTime = res.Metadata.DurationMs
		c.LastStage = res.Stage
		meta := res.Metadata
		c.Metadata.ExecutionMetadata = &meta
		if res.ResultsTableName != "" {
			c.ResultsTableName = res.ResultsTableName
			c.Metadata.PartialResults = res.Stage == comparison.StagePartial
		}
	} else if runErr != nil {
		c.LastStage = comparison.StageFailed
	}

	if err := s.store.Put(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Error(fmt.Sprintf("Failed to persist comparison %s: %v", c.ID, err))
	}
}

// Cancel requests cooperative cancellation of the active run of id. The bucket in
// flight completes; with completed buckets the run finishes early as partial.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.tracker.Cancel()
	return true
}

// Progress returns the live progress of an active run.
func (s *Service) Progress(id string) (comparison.Progress, bool) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return comparison.Progress{}, false
	}
	return h.tracker.Snapshot(), true
}

// Active lists the ids with a run in flight.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) Get(ctx context.Context, id string) (*comparison.Comparison, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*comparison.Comparison, error) {
	return s.store.List(ctx)
}

// Delete stops any active run, drops the results table and removes the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	h := &handle{tracker: comparison.NewTracker(), cancel: func() {}, done: make(chan struct{})}
	if err := s.acquire(ctx, id, h); err != nil {
		return err
	}
	defer s.release(id, h)

	schema := ""
	if c.Config != nil {
		schema = c.Config.ResultsSchema
	}
	if err := comparison.NewMaterializer(s.eng, id, schema).Drop(ctx); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}
