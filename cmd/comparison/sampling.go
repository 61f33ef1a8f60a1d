package comparison

import (
	"context"
	"fmt"
	"math"
)

// SamplingExecutor diffs a deterministic sample: the prefix [0, end] of the key
// hash space. Both sides are cut by the same hash range, so sampled keys pair up
// and a sampled row is never misreported as missing on the other side.
type SamplingExecutor struct {
	SampleSize            int64
	LargeDatasetThreshold int64

	join *JoinExecutor
	hash *HashBucketExecutor
}

func (*SamplingExecutor) Algorithm() Algorithm { return AlgorithmSampling }

// samplePlan derives the sample range and the algorithm that diffs it.
func (x *SamplingExecutor) samplePlan(rowCountA, rowCountB, ceiling int64) *SamplingParams {
	total := max(rowCountA, rowCountB)
	rate := 1.0
	if total > 0 && x.SampleSize < total {
		rate = float64(x.SampleSize) / float64(total)
	}

	end := ceiling
	if rate < 1 {
		end = int64(math.Floor(rate * float64(ceiling)))
		end = min(max(end, 0), ceiling)
	}

	sampledA := int64(math.Ceil(rate * float64(rowCountA)))
	sampledB := int64(math.Ceil(rate * float64(rowCountB)))
	return &SamplingParams{
		TargetSampleSize: x.SampleSize,
		Rate:             rate,
		TotalRows:        total,
		HashRangeEnd:     end,
		BaseAlgorithm:    SelectAlgorithm(AlgorithmAuto, sampledA, sampledB, x.LargeDatasetThreshold),
	}
}

func (x *SamplingExecutor) Execute(ctx context.Context, r *Run) error {
	params := x.samplePlan(r.rowCountA, r.rowCountB, r.ceiling)
	r.meta.SamplingParams = params
	r.logger.Info(fmt.Sprintf("Sampling %.4f%% of the key space (target %d rows of %d) using %s",
		params.Rate*100, params.TargetSampleSize, params.TotalRows, params.BaseAlgorithm))

	root := hashRange{lo: 0, hi: params.HashRangeEnd}
	if params.BaseAlgorithm == AlgorithmJoin {
		return x.join.run(ctx, r, root)
	}
	return x.hash.run(ctx, r, root)
}
