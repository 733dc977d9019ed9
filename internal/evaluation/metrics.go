// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"cmp"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SquaredDistances returns the squared Euclidean distances between the rows of a and the rows of
// b, shaped [a.rows, b.rows].
func SquaredDistances(a, b mat.Matrix) *mat.Dense {
	aRows, _ := a.Dims()
	bRows, _ := b.Dims()
	aNorms, bNorms := rowSquaredNorms(a), rowSquaredNorms(b)
	distances := mat.NewDense(aRows, bRows, nil)
	distances.Mul(a, b.T())
	distances.Apply(func(i, j int, dot float64) float64 {
		return max(aNorms[i]+bNorms[j]-2*dot, 0)
	}, distances)
	return distances
}

func rowSquaredNorms(m mat.Matrix) []float64 {
	rows, cols := m.Dims()
	norms := make([]float64, rows)
	row := make([]float64, cols)
	for ii := range rows {
		mat.Row(row, ii, m)
		norms[ii] = floats.Dot(row, row)
	}
	return norms
}

// RecallAtK returns, for each k in ks, the fraction of the queries with at least one gallery item of
// the same class among their k nearest gallery items.
//
// distances is shaped [num_queries, num_gallery]. Equal distances are ordered by gallery index, and
// k larger than the gallery is clamped.
func RecallAtK(distances mat.Matrix, queryLabels, galleryLabels []int32, ks []int) ([]float64, error) {
	numQueries, numGallery := distances.Dims()
	if numQueries == 0 || numGallery == 0 {
		return nil, errors.Errorf("Recall@K needs a non-empty query (%d) and gallery (%d)", numQueries, numGallery)
	}
	if len(queryLabels) != numQueries || len(galleryLabels) != numGallery {
		return nil, errors.Errorf("distances shaped [%d, %d] don't match %d query and %d gallery labels",
			numQueries, numGallery, len(queryLabels), len(galleryLabels))
	}
	maxK := 0
	for _, k := range ks {
		if k < 1 {
			return nil, errors.Errorf("Recall@K values must be >= 1, got %v", ks)
		}
		maxK = max(maxK, k)
	}
	maxK = min(maxK, numGallery)

	// firstHit[q] is the rank (0-based) of the first correct gallery item of query q, or maxK if
	// there is none within maxK.
	firstHit := make([]int, numQueries)
	row := make([]float64, numGallery)
	order := make([]int, numGallery)
	for q := range numQueries {
		mat.Row(row, q, distances)
		for ii := range order {
			order[ii] = ii
		}
		slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(row[a], row[b]) })
		firstHit[q] = maxK
		for rank, galleryIdx := range order[:maxK] {
			if galleryLabels[galleryIdx] == queryLabels[q] {
				firstHit[q] = rank
				break
			}
		}
	}

	recalls := make([]float64, len(ks))
	for ii, k := range ks {
		k = min(k, numGallery)
		var hits int
		for _, rank := range firstHit {
			if rank < k {
				hits++
			}
		}
		recalls[ii] = float64(hits) / float64(numQueries)
	}
	return recalls, nil
}

// contingency counts the examples of each (cluster, class) pair. It returns the counts per pair and
// the marginals.
func contingency(clusters []int, labels []int32) (pairs map[[2]int]int, perCluster map[int]int, perClass map[int32]int) {
	pairs = make(map[[2]int]int)
	perCluster = make(map[int]int)
	perClass = make(map[int32]int)
	for ii, cluster := range clusters {
		pairs[[2]int{cluster, int(labels[ii])}]++
		perCluster[cluster]++
		perClass[labels[ii]]++
	}
	return
}

// NMI returns the normalized mutual information between the cluster assignments and the class
// labels, normalized by the arithmetic mean of their entropies.
func NMI(clusters []int, labels []int32) (float64, error) {
	if len(clusters) != len(labels) {
		return 0, errors.Errorf("NMI got %d cluster assignments and %d labels", len(clusters), len(labels))
	}
	if len(clusters) == 0 {
		return 0, errors.New("NMI of an empty set")
	}
	n := float64(len(clusters))
	pairs, perCluster, perClass := contingency(clusters, labels)
	clusterProbs := make([]float64, 0, len(perCluster))
	for _, count := range perCluster {
		clusterProbs = append(clusterProbs, float64(count)/n)
	}
	classProbs := make([]float64, 0, len(perClass))
	for _, count := range perClass {
		classProbs = append(classProbs, float64(count)/n)
	}
	clusterEntropy, classEntropy := stat.Entropy(clusterProbs), stat.Entropy(classProbs)
	if clusterEntropy == 0 && classEntropy == 0 {
		// Both are a single group: identical partitions.
		return 1, nil
	}

	// Mutual information is the KL divergence of the joint to the product of the marginals.
	joint := make([]float64, 0, len(pairs))
	product := make([]float64, 0, len(pairs))
	for pair, count := range pairs {
		joint = append(joint, float64(count)/n)
		product = append(product, float64(perCluster[pair[0]])*float64(perClass[int32(pair[1])])/(n*n))
	}
	mutualInformation := max(stat.KullbackLeibler(joint, product), 0)
	return mutualInformation / ((clusterEntropy + classEntropy) / 2), nil
}

// PairwiseF1 returns the F1 score of the pairs of examples put in the same cluster, taking pairs of
// the same class as the positives.
func PairwiseF1(clusters []int, labels []int32) (float64, error) {
	if len(clusters) != len(labels) {
		return 0, errors.Errorf("F1 got %d cluster assignments and %d labels", len(clusters), len(labels))
	}
	pairsOf := func(n int) float64 { return float64(n) * float64(n-1) / 2 }
	pairs, perCluster, perClass := contingency(clusters, labels)
	var truePositives, predictedPositives, positives float64
	for _, count := range pairs {
		truePositives += pairsOf(count)
	}
	for _, count := range perCluster {
		predictedPositives += pairsOf(count)
	}
	for _, count := range perClass {
		positives += pairsOf(count)
	}
	if truePositives == 0 {
		return 0, nil
	}
	precision := truePositives / predictedPositives
	recall := truePositives / positives
	return 2 * precision * recall / (precision + recall), nil
}
