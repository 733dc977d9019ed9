// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package criteria

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// PairwiseSquaredDistances returns the [batch_size, batch_size] matrix of squared Euclidean
// distances between the rows of embeddings. The diagonal is exactly 0.
func PairwiseSquaredDistances(embeddings *Node) *Node {
	g := embeddings.Graph()
	batchSize := embeddings.Shape().Dim(0)

	// ||a - b||² = ||a||² - 2<a, b> + ||b||²
	dotProduct := MatMul(embeddings, Transpose(embeddings, 0, 1))
	squareNorm := MaskedReduceSum(dotProduct, Diagonal(g, batchSize), 0)
	distances := Add(Add(
		Reshape(squareNorm, batchSize, 1),
		MulScalar(dotProduct, -2.0)),
		Reshape(squareNorm, 1, batchSize))

	// Rounding errors can make some distances negative.
	return MaxScalar(distances, 0.0)
}

// PairwiseDistances returns the [batch_size, batch_size] matrix of Euclidean distances between the
// rows of embeddings. The diagonal is exactly 0, and so is its gradient.
func PairwiseDistances(embeddings *Node) *Node {
	g := embeddings.Graph()
	dtype := embeddings.DType()
	distances := PairwiseSquaredDistances(embeddings)

	// The gradient of Sqrt is infinite at 0: take the square root of epsilon there instead, and zero
	// it afterward.
	zero := ScalarZero(g, dtype)
	mask := Equal(distances, zero)
	distances = Where(mask, Scalar(g, dtype, 1e-16), distances)
	distances = Sqrt(distances)
	return Where(mask, zero, distances)
}

// labelMasks returns the [batch_size, batch_size] boolean masks of the valid positives (same label,
// not the anchor itself) and of the negatives (different label) of each anchor (row).
func labelMasks(labels *Node) (positives, negatives *Node) {
	g := labels.Graph()
	batchSize := labels.Shape().Dim(0)
	notSelf := LogicalNot(DiagonalWithValue(Const(g, true), batchSize))
	sameLabel := Equal(Reshape(labels, batchSize, 1), Reshape(labels, 1, batchSize))
	return And(sameLabel, notSelf), LogicalNot(sameLabel)
}
