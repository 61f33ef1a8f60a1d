package store

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/data-compare/cmd/comparison"
)

func newTestPublisher(t *testing.T) (*ProgressPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pp := NewProgressPublisher(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour, nil)
	t.Cleanup(func() { pp.Close() })
	return pp, mr
}

func TestPublishStoresLatestWithTTL(t *testing.T) {
	pp, mr := newTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, pp.Publish(ctx, "c1", comparison.Progress{Stage: comparison.StageCounting}))
	require.NoError(t, pp.Publish(ctx, "c1", comparison.Progress{Stage: comparison.StageInserting, DiffRows: 4}))

	assert.True(t, mr.Exists("diff:comparison:c1:progress"))
	assert.Equal(t, time.Hour, mr.TTL("diff:comparison:c1:progress"))

	latest, err := pp.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, comparison.StageInserting, latest.Stage)
	assert.Equal(t, int64(4), latest.DiffRows)

	_, err = pp.Latest(ctx, "other")
	assert.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(2 * time.Hour)
	_, err = pp.Latest(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound, "progress expires")
}

func TestSubscribeReceivesEvents(t *testing.T) {
	pp, _ := newTestPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, closeSub, err := pp.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer closeSub()

	sink := pp.Sink(ctx, "c1")
	sink(comparison.Progress{Stage: comparison.StageQueued})

	select {
	case ev := <-events:
		assert.Equal(t, "c1", ev.ComparisonID)
		assert.Equal(t, comparison.StageQueued, ev.Progress.Stage)
	case <-ctx.Done():
		t.Fatal("no progress event received")
	}
}

func TestSinkPublishesAfterCancel(t *testing.T) {
	pp, mr := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	sink := pp.Sink(ctx, "c1")
	cancel()

	sink(comparison.Progress{Stage: comparison.StageCancelled})

	raw, err := mr.Get("diff:comparison:c1:progress")
	require.NoError(t, err)
	var ev ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, comparison.StageCancelled, ev.Progress.Stage)
}

func TestSinkSwallowsRedisErrors(t *testing.T) {
	pp, mr := newTestPublisher(t)
	mr.Close()

	assert.NotPanics(t, func() {
		pp.Sink(context.Background(), "c1")(comparison.Progress{Stage: comparison.StageQueued})
	})
}

func TestSinkPublishesTerminalStageBeforeReturning(t *testing.T) {
	pp, mr := newTestPublisher(t)
	sink := pp.Sink(context.Background(), "c1")

	for i := 1; i <= 20; i++ {
		sink(comparison.Progress{Stage: comparison.StageInserting, CompletedBuckets: i})
	}
	sink(comparison.Progress{Stage: comparison.StageCompleted, CompletedBuckets: 20, DiffRows: 7})
	sink(comparison.Progress{Stage: comparison.StageInserting, CompletedBuckets: 21})

	raw, err := mr.Get("diff:comparison:c1:progress")
	require.NoError(t, err)
	var ev ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	assert.Equal(t, comparison.StageCompleted, ev.Progress.Stage)
	assert.Equal(t, int64(7), ev.Progress.DiffRows, "updates after the terminal stage are ignored")
}

func TestSinkDoesNotWaitForRedis(t *testing.T) {
	// a server that accepts connections and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })

	pp := NewProgressPublisher(redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1}), time.Hour, nil)
	t.Cleanup(func() { pp.Close() })
	sink := pp.Sink(context.Background(), "c1")

	start := time.Now()
	for i := 1; i <= 50; i++ {
		sink(comparison.Progress{Stage: comparison.StageInserting, CompletedBuckets: i})
	}
	assert.Less(t, time.Since(start), publishTimeout/2, "non-terminal updates must not wait on redis")
}
