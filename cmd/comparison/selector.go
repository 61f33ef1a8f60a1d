package comparison

// SelectAlgorithm resolves the configured algorithm to a concrete one. auto picks
// hash-bucket when either side exceeds threshold and join otherwise; a side equal to
// the threshold still gets join. sampling is only used when asked for.
func SelectAlgorithm(algorithm Algorithm, rowCountA, rowCountB, threshold int64) Algorithm {
	switch algorithm {
	case AlgorithmHashBucket, AlgorithmJoin, AlgorithmSampling:
		return algorithm
	}
	if rowCountA > threshold || rowCountB > threshold {
		return AlgorithmHashBucket
	}
	return AlgorithmJoin
}
