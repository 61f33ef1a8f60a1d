package comparison

import (
	"context"
)

// JoinExecutor diffs the whole range with a single join query. It is exact and is
// the reference the other algorithms are checked against. It cannot finish early.
type JoinExecutor struct{}

func (*JoinExecutor) Algorithm() Algorithm { return AlgorithmJoin }

func (x *JoinExecutor) Execute(ctx context.Context, r *Run) error {
	return x.run(ctx, r, hashRange{lo: 0, hi: r.ceiling})
}

func (x *JoinExecutor) run(ctx context.Context, r *Run, root hashRange) error {
	if err := r.tracker.Transition(StageQueued, func(p *Progress) {
		p.SupportsFinishEarly = false
		p.TotalBuckets = 1
		p.PendingBuckets = 1
	}); err != nil {
		return err
	}
	if r.cancelled(ctx) {
		return r.stop(ctx, 0)
	}

	rng := r.rangeFor(root)
	b := newBucket(0, root, nil, nil)
	if err := r.tracker.Transition(StageCounting, func(p *Progress) { p.CurrentBucket = b.clone() }); err != nil {
		return err
	}
	countA, countB, err := r.count(ctx, *b, rng)
	if err != nil {
		return r.handle(ctx, err, 0)
	}
	b.CountA, b.CountB = countA, countB

	if r.cancelled(ctx) {
		return r.stop(ctx, 0)
	}
	if err := r.tracker.Transition(StageInserting, func(p *Progress) { p.CurrentBucket = b.clone() }); err != nil {
		return err
	}
	diff, err := r.leaf(ctx, *b, rng)
	if err != nil {
		return r.handle(ctx, err, 0)
	}

	if err := r.tracker.Transition(StageBucketComplete, func(p *Progress) {
		p.CompletedBuckets = 1
		p.PendingBuckets = 0
		p.TotalBuckets = 1
		p.ProcessedRows += countA + countB
		p.DiffRows += diff
	}); err != nil {
		return err
	}
	return r.finalize(ctx, false)
}

// newBucket describes the range [rng.lo, rng.hi]. modulus and index are nil for a
// root bucket.
func newBucket(depth int, rng hashRange, modulus, index *int) *Bucket {
	lo, hi := rng.lo, rng.hi
	return &Bucket{
		Depth:          depth,
		Modulus:        modulus,
		Bucket:         index,
		HashRangeStart: &lo,
		HashRangeEnd:   &hi,
	}
}
