// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math"
)

// Comparators used by sweep drivers and tests: exact equality for formats
// where the collective must be bit-preserving (integers, bfloat16 pass-through)
// and Pearson correlation for formats where only numerical agreement is
// guaranteed (accumulation order is not specified).

// CompareExact returns whether both tensors are bit-identical, with a
// diagnostic message when they are not.
func CompareExact(a, b *Tensor) (bool, string) {
	if !a.shape.Equal(b.shape) {
		return false, fmt.Sprintf("shape mismatch: %s vs %s", a.shape, b.shape)
	}
	for i, v := range a.flat {
		if v != b.flat[i] {
			return false, fmt.Sprintf("first mismatch at flat index %d: %g vs %g", i, v, b.flat[i])
		}
	}
	return true, "equal"
}

// PCC returns the Pearson correlation coefficient between the two tensors'
// flat values. Two identical constant tensors correlate perfectly (1.0) even
// though the standard deviation is zero.
func PCC(a, b *Tensor) float64 {
	n := len(a.flat)
	if n == 0 || n != len(b.flat) {
		return 0
	}
	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += float64(a.flat[i])
		sumB += float64(b.flat[i])
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := float64(a.flat[i]) - meanA
		db := float64(b.flat[i]) - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 && varB == 0 {
		// Both constant: correlate perfectly iff the constants match.
		if meanA == meanB {
			return 1
		}
		return 0
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// ComparePCC returns whether the Pearson correlation between the tensors meets
// the threshold, along with the measured score.
func ComparePCC(a, b *Tensor, threshold float64) (bool, float64) {
	if !a.shape.EqualDimensions(b.shape) {
		return false, 0
	}
	score := PCC(a, b)
	return score >= threshold && !math.IsNaN(score), score
}
