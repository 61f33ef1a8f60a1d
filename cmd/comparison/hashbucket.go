package comparison

import (
	"context"
	"fmt"
	"time"
)

// HashBucketExecutor diffs arbitrarily large sources by recursively partitioning
// the join-key hash space until every bucket holds at most Threshold rows, then
// diffing each leaf bucket on its own. Peak engine work per statement is bounded
// by the largest leaf.
type HashBucketExecutor struct {
	Threshold int64
	Modulus   int
	MaxDepth  int
}

func (*HashBucketExecutor) Algorithm() Algorithm { return AlgorithmHashBucket }

// bucketTask is a pending bucket on the work stack. Counts are known when the task
// is pushed.
type bucketTask struct {
	rng            hashRange
	depth          int
	countA, countB int64
	modulus, index *int
}

func (t bucketTask) bucket() *Bucket {
	b := newBucket(t.depth, t.rng, t.modulus, t.index)
	b.CountA, b.CountB = t.countA, t.countB
	return b
}

func (x *HashBucketExecutor) Execute(ctx context.Context, r *Run) error {
	return x.run(ctx, r, hashRange{lo: 0, hi: r.ceiling})
}

func (x *HashBucketExecutor) isLeaf(t bucketTask) bool {
	return t.countA+t.countB <= x.Threshold || t.depth >= x.MaxDepth || t.rng.lo >= t.rng.hi
}

func (x *HashBucketExecutor) run(ctx context.Context, r *Run, root hashRange) error {
	if err := r.tracker.Transition(StageQueued, func(p *Progress) {
		p.SupportsFinishEarly = true
		p.TotalBuckets = 1
		p.PendingBuckets = 1
	}); err != nil {
		return err
	}
	if r.cancelled(ctx) {
		return r.stop(ctx, 0)
	}

	rootBucket := newBucket(0, root, nil, nil)
	if err := r.tracker.Transition(StageCounting, func(p *Progress) { p.CurrentBucket = rootBucket.clone() }); err != nil {
		return err
	}
	countA, countB, err := r.count(ctx, *rootBucket, r.rangeFor(root))
	if err != nil {
		return r.handle(ctx, err, 0)
	}

	metrics := &HashDiffMetrics{TotalBucketsEnqueued: 1}
	r.meta.HashDiffMetrics = metrics

	// LIFO: children of a split are diffed before their siblings' subtrees, which
	// keeps the stack at most MaxDepth*(Modulus-1)+1 entries deep.
	stack := []bucketTask{{rng: root, countA: countA, countB: countB}}
	completed, pending := 0, 1

	for len(stack) > 0 {
		if r.cancelled(ctx) {
			return r.stop(ctx, completed)
		}

		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		b := t.bucket()
		if t.depth > metrics.MaxDepth {
			metrics.MaxDepth = t.depth
		}

		if x.isLeaf(t) {
			if err := r.tracker.Transition(StageInserting, func(p *Progress) { p.CurrentBucket = b.clone() }); err != nil {
				return err
			}
			diff, err := r.leaf(ctx, *b, r.rangeFor(t.rng))
			if err != nil {
				return r.handle(ctx, err, completed)
			}

			completed++
			pending--
			metrics.ProcessedBuckets = completed
			if t.countA > metrics.MaxBucketRowsA {
				metrics.MaxBucketRowsA = t.countA
			}
			if t.countB > metrics.MaxBucketRowsB {
				metrics.MaxBucketRowsB = t.countB
			}
			if t.countA+t.countB > x.Threshold {
				metrics.OversizedBuckets++
				r.logger.Warn(fmt.Sprintf("Bucket (%s) exceeds the threshold of %d rows but cannot be split further; diffed as is",
					b.String(), x.Threshold))
			}

			if err := r.tracker.Transition(StageBucketComplete, func(p *Progress) {
				p.CompletedBuckets = completed
				p.PendingBuckets = pending
				p.TotalBuckets = completed + pending
				p.ProcessedRows += t.countA + t.countB
				p.DiffRows += diff
			}); err != nil {
				return err
			}
			r.logger.Debug(fmt.Sprintf("Bucket complete (%s): %d diff rows", b.String(), diff))
			continue
		}

		if err := r.tracker.Transition(StageSplitting, func(p *Progress) { p.CurrentBucket = b.clone() }); err != nil {
			return err
		}
		start := time.Now()
		children, err := x.split(ctx, r, t)
		if err != nil {
			return r.handle(ctx, err, completed)
		}
		r.opts.Metrics.BucketProcessed(BucketKindSplit, time.Since(start))

		pending += len(children) - 1
		metrics.TotalBucketsEnqueued += len(children)
		r.tracker.Update(func(p *Progress) {
			p.PendingBuckets = pending
			p.TotalBuckets = completed + pending
		})
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
		r.logger.Debug(fmt.Sprintf("Split bucket (%s) into %d non-empty children", b.String(), len(children)))
	}

	return r.finalize(ctx, false)
}

// childRanges splits rng into at most modulus equal-width ranges. Arithmetic is
// unsigned since the root range spans 2^63 values.
func childRanges(rng hashRange, modulus int) (ranges []hashRange, width int64) {
	size := uint64(rng.hi) - uint64(rng.lo) + 1
	m := uint64(modulus)
	w := (size + m - 1) / m
	for i := uint64(0); i < m; i++ {
		lo := uint64(rng.lo) + i*w
		if lo > uint64(rng.hi) {
			break
		}
		hi := lo + w - 1
		if hi > uint64(rng.hi) {
			hi = uint64(rng.hi)
		}
		ranges = append(ranges, hashRange{lo: int64(lo), hi: int64(hi)})
	}
	return ranges, int64(w)
}

// split counts both sides per child range with one GROUP BY each and returns the
// non-empty children.
func (x *HashBucketExecutor) split(ctx context.Context, r *Run, t bucketTask) ([]bucketTask, error) {
	ranges, width := childRanges(t.rng, x.Modulus)
	var countsA, countsB map[int64]int64

	b := t.bucket()
	err := r.retry(ctx, *b, "split", func() error {
		var qerr error
		if countsA, qerr = x.childCounts(ctx, r, true, t.rng, width); qerr != nil {
			return qerr
		}
		countsB, qerr = x.childCounts(ctx, r, false, t.rng, width)
		return qerr
	})
	if err != nil {
		return nil, err
	}

	modulus := x.Modulus
	children := make([]bucketTask, 0, len(ranges))
	for i, rng := range ranges {
		a, bc := countsA[int64(i)], countsB[int64(i)]
		if a+bc == 0 {
			continue
		}
		idx := i
		children = append(children, bucketTask{
			rng:     rng,
			depth:   t.depth + 1,
			countA:  a,
			countB:  bc,
			modulus: &modulus,
			index:   &idx,
		})
	}
	return children, nil
}

func (x *HashBucketExecutor) childCounts(ctx context.Context, r *Run, sideA bool, rng hashRange, width int64) (map[int64]int64, error) {
	rows, err := r.eng.Query(ctx, r.plan.childCountSQL(sideA, rng.lo, rng.hi, width))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var child, n int64
		if err := rows.Scan(&child, &n); err != nil {
			return nil, err
		}
		counts[child] = n
	}
	return counts, rows.Err()
}
