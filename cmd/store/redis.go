package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/airframesio/data-compare/cmd/comparison"
)

const (
	keyPrefix      = "diff:comparison:"
	defaultTTL     = 24 * time.Hour
	publishTimeout = 2 * time.Second
)

// ProgressEvent is the Pub/Sub message published on every progress update.
type ProgressEvent struct {
	ComparisonID string              `json:"comparisonId"`
	Progress     comparison.Progress `json:"progress"`
}

// ProgressPublisher stores the latest progress of each run in Redis with a TTL
// and publishes every update on a per-comparison channel.
type ProgressPublisher struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	quit      chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// NewProgressPublisher returns a publisher over rdb. ttl <= 0 means 24h.
func NewProgressPublisher(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *ProgressPublisher {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProgressPublisher{rdb: rdb, ttl: ttl, logger: logger, quit: make(chan struct{})}
}

// ProgressKey is the key holding the latest progress of a comparison.
func ProgressKey(id string) string { return keyPrefix + id + ":progress" }

// Channel is the Pub/Sub channel progress events of a comparison are sent on.
func Channel(id string) string { return keyPrefix + id }

// Publish saves p and publishes it.
func (pp *ProgressPublisher) Publish(ctx context.Context, id string, p comparison.Progress) error {
	data, err := json.Marshal(ProgressEvent{ComparisonID: id, Progress: p})
	if err != nil {
		return fmt.Errorf("progress: marshal: %w", err)
	}
	if err := pp.rdb.Set(ctx, ProgressKey(id), data, pp.ttl).Err(); err != nil {
		return fmt.Errorf("progress: set %q: %w", id, err)
	}
	if err := pp.rdb.Publish(ctx, Channel(id), data).Err(); err != nil {
		return fmt.Errorf("progress: publish %q: %w", id, err)
	}
	return nil
}

// Sink adapts the publisher to a tracker sink. Redis is written from a
// background worker so a slow server never holds up the run; an update still
// waiting when a newer one arrives is replaced by it. A terminal stage is
// published before the sink returns. Updates keep flowing after the run's
// context is cancelled so the final stage still reaches subscribers.
func (pp *ProgressPublisher) Sink(ctx context.Context, id string) comparison.ProgressSink {
	base := context.WithoutCancel(ctx)
	pending := make(chan comparison.Progress, 1)
	done := make(chan struct{})

	pp.workers.Add(1)
	go func() {
		defer pp.workers.Done()
		defer close(done)
		for {
			select {
			case p, ok := <-pending:
				if !ok {
					return
				}
				pp.publishQuietly(base, id, p)
			case <-pp.quit:
				select {
				case p, ok := <-pending:
					if ok {
						pp.publishQuietly(base, id, p)
					}
				default:
				}
				return
			}
		}
	}()

	var (
		mu       sync.Mutex
		finished bool
	)
	return func(p comparison.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		select {
		case <-pending:
		default:
		}
		pending <- p
		if p.Stage.Terminal() {
			finished = true
			close(pending)
			<-done
		}
	}
}

func (pp *ProgressPublisher) publishQuietly(ctx context.Context, id string, p comparison.Progress) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := pp.Publish(pctx, id, p); err != nil {
		pp.logger.Debug(fmt.Sprintf("Failed to publish progress for %s: %v", id, err))
	}
}

// Latest returns the last stored progress of a comparison.
func (pp *ProgressPublisher) Latest(ctx context.Context, id string) (*comparison.Progress, error) {
	data, err := pp.rdb.Get(ctx, ProgressKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no progress for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("progress: get %q: %w", id, err)
	}
	var ev ProgressEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("progress: unmarshal: %w", err)
	}
	return &ev.Progress, nil
}

// Subscribe streams progress events of a comparison until ctx is done or the
// returned close function is called. It returns once the subscription is live.
func (pp *ProgressPublisher) Subscribe(ctx context.Context, id string) (<-chan ProgressEvent, func() error, error) {
	sub := pp.rdb.Subscribe(ctx, Channel(id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("progress: subscribe %q: %w", id, err)
	}
	out := make(chan ProgressEvent, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}

// Close flushes the updates still waiting in open sinks and closes the client.
func (pp *ProgressPublisher) Close() error {
	pp.closeOnce.Do(func() { close(pp.quit) })
	pp.workers.Wait()
	return pp.rdb.Close()
}
