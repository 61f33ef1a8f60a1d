package comparison

import (
	"fmt"
	"sync"
	"time"
)

// transitions lists the stages reachable from each stage. Terminal stages have no
// entry.
var transitions = map[Stage][]Stage{
	StageIdle:           {StageQueued},
	StageQueued:         {StageCounting, StageCancelled, StageFailed},
	StageCounting:       {StageSplitting, StageInserting, StageCancelled, StageFailed},
	StageSplitting:      {StageSplitting, StageInserting, StageCounting, StageFinalizing, StageCancelled, StageFailed},
	StageInserting:      {StageInserting, StageBucketComplete, StageFinalizing, StageCancelled, StageFailed},
	StageBucketComplete: {StageSplitting, StageInserting, StageFinalizing, StageFailed},
	StageFinalizing:     {StageCompleted, StagePartial, StageFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ProgressSink receives a copy of the progress record after every update.
type ProgressSink func(Progress)

// Tracker owns the progress record of one run and its cancellation flag.
type Tracker struct {
	mu        sync.Mutex
	progress  Progress
	cancelled bool
	sinks     []ProgressSink
	now       func() time.Time
}

// NewTracker returns a tracker in the idle stage.
func NewTracker(sinks ...ProgressSink) *Tracker {
	t := &Tracker{now: time.Now}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	t.progress.Stage = StageIdle
	return t
}

// Cancel requests cooperative cancellation. Executors observe it between buckets.
// Nothing is emitted here: the flag reaches sinks with the next update, so a sink
// may call Cancel.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.progress.Stage.Terminal() {
		return
	}
	t.cancelled = true
	t.progress.CancelRequested = true
}

// IsCancelled reports whether Cancel was called.
func (t *Tracker) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Transition moves to stage, applies mutate, and emits the result.
func (t *Tracker) Transition(stage Stage, mutate func(*Progress)) error {
	t.mu.Lock()
	from := t.progress.Stage
	if !CanTransition(from, stage) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, stage)
	}
	now := t.now()
	if from == StageIdle {
		t.progress.StartedAt = now
	}
	t.progress.Stage = stage
	t.progress.UpdatedAt = now
	if mutate != nil {
		mutate(&t.progress)
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(snap)
	return nil
}

// Update applies mutate without changing stage.
func (t *Tracker) Update(mutate func(*Progress)) {
	t.mu.Lock()
	t.progress.UpdatedAt = t.now()
	mutate(&t.progress)
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(snap)
}

func (t *Tracker) snapshotLocked() Progress {
	p := t.progress
	p.CurrentBucket = t.progress.CurrentBucket.clone()
	return p
}

func (t *Tracker) emit(p Progress) {
	for _, sink := range t.sinks {
		sink(p)
	}
}
