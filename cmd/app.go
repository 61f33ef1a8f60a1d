package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/orchestrator"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
	"github.com/airframesio/data-compare/cmd/store"
)

// app holds everything a command needs to run comparisons.
type app struct {
	config    *Config
	engine    *engine.Engine
	store     store.Store
	publisher *store.ProgressPublisher
	metrics   *comparison.PrometheusMetrics
	rowCounts *RowCountCache
	service   *orchestrator.Service
}

// newApp connects to the database, opens the store and optional Redis publisher,
// and builds the orchestrator. Extra options are applied last.
func newApp(ctx context.Context, config *Config, extra ...orchestrator.Option) (*app, error) {
	a := &app{config: config, metrics: comparison.NewPrometheusMetrics()}

	logger.Debug(fmt.Sprintf("Connecting to %s database %s", config.Engine.Driver, sqlsafe.MaskString(config.Engine.DSN)))
	eng, err := engine.Open(ctx, config.EngineOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.engine = eng

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if config.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Redis.Addr, err)
		}
		a.publisher = store.NewProgressPublisher(rdb, time.Duration(config.Redis.TTL)*time.Second, logger)
		logger.Debug(fmt.Sprintf("Publishing progress to redis %s", config.Redis.Addr))
	}

	rowCounts, err := loadRowCountCache(getCachePath(), config.Engine.DSN)
	if err != nil {
		logger.Debug(fmt.Sprintf("Row count cache unavailable: %v", err))
	} else {
		a.rowCounts = rowCounts
	}

	execOpts := config.ExecutionOptions()
	execOpts.Metrics = a.metrics
	execOpts.Logger = logger

	opts := []orchestrator.Option{orchestrator.WithExecutionOptions(execOpts)}
	if a.rowCounts != nil {
		opts = append(opts, orchestrator.WithRowCountCache(a.rowCounts))
	}
	if a.publisher != nil {
		opts = append(opts, orchestrator.WithSinkFactory(a.publisher.Sink))
	}
	opts = append(opts, extra...)
	a.service = orchestrator.New(eng, a.store, logger, opts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.config.Store.Backend {
	case storeSQL:
		st, err := store.NewSQLStore(a.engine.DB(), a.engine.Dialect(), a.config.Store.Table)
		if err != nil {
			return err
		}
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		a.store = st
	default:
		st, err := store.NewFileStore(a.config.Store.Dir)
		if err != nil {
			return err
		}
		a.store = st
	}
	return nil
}

// Close saves the row count cache and closes Redis and the database. All errors
// are reported.
func (a *app) Close() error {
	var result *multierror.Error
	if a.rowCounts != nil {
		if err := a.rowCounts.save(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to save row count cache: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// closeApp closes a and logs any error.
func closeApp(a *app) {
	if err := a.Close(); err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Cleanup: %v", err))
	}
}
