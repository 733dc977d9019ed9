// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultKMeansIterations is the maximum number of Lloyd iterations of KMeans.
const DefaultKMeansIterations = 300

// Clustering is the result of KMeans.
type Clustering struct {
	// Assignments holds the cluster of each point.
	Assignments []int

	// Centers is shaped [k, dim].
	Centers *mat.Dense

	// Iterations is the number of Lloyd iterations run.
	Iterations int
}

// KMeans clusters the rows of points into k clusters, with k-means++ seeding drawn from rng
// followed by Lloyd iterations until the assignments stop changing or maxIterations is reached.
//
// It returns an error if there are fewer distinct points than k, e.g. if the embeddings collapsed.
func KMeans(points *mat.Dense, k int, rng *rand.Rand, maxIterations int) (*Clustering, error) {
	numPoints, _ := points.Dims()
	if k < 1 || k > numPoints {
		return nil, errors.Errorf("k-means with k=%d clusters requires 1 <= k <= %d points", k, numPoints)
	}
	centers, err := seedCenters(points, k, rng)
	if err != nil {
		return nil, err
	}

	c := &Clustering{Assignments: make([]int, numPoints), Centers: centers}
	for ii := range c.Assignments {
		c.Assignments[ii] = -1
	}
	counts := make([]int, k)
	for c.Iterations < maxIterations {
		c.Iterations++
		distances := SquaredDistances(points, centers)
		var changed bool
		for p := range numPoints {
			nearest := floats.MinIdx(distances.RawRowView(p))
			if nearest != c.Assignments[p] {
				c.Assignments[p] = nearest
				changed = true
			}
		}
		if !changed {
			break
		}

		// Update centers to the mean of their points.
		centers.Zero()
		clear(counts)
		for p, cluster := range c.Assignments {
			floats.Add(centers.RawRowView(cluster), points.RawRowView(p))
			counts[cluster]++
		}
		for cluster, count := range counts {
			if count > 0 {
				floats.Scale(1/float64(count), centers.RawRowView(cluster))
				continue
			}
			// Empty cluster: move it to the point farthest from its center.
			farthest, farthestDistance := 0, -1.0
			for p, assigned := range c.Assignments {
				if counts[assigned] <= 1 {
					continue
				}
				if d := distances.At(p, assigned); d > farthestDistance {
					farthest, farthestDistance = p, d
				}
			}
			if farthestDistance < 0 {
				continue
			}
			centers.SetRow(cluster, points.RawRowView(farthest))
			counts[c.Assignments[farthest]]--
			counts[cluster] = 1
			c.Assignments[farthest] = cluster
		}
	}
	return c, nil
}

// seedCenters picks k initial centers with k-means++: the first uniformly, the next ones with
// probability proportional to the squared distance to the nearest chosen center.
func seedCenters(points *mat.Dense, k int, rng *rand.Rand) (*mat.Dense, error) {
	numPoints, dim := points.Dims()
	centers := mat.NewDense(k, dim, nil)
	centers.SetRow(0, points.RawRowView(rng.IntN(numPoints)))
	nearest := make([]float64, numPoints)
	for p := range numPoints {
		nearest[p] = squaredDistance(points.RawRowView(p), centers.RawRowView(0))
	}
	for cluster := 1; cluster < k; cluster++ {
		total := floats.Sum(nearest)
		if total <= 0 {
			return nil, errors.Errorf("only %d distinct points found for %d clusters: embeddings may have collapsed",
				cluster, k)
		}
		target := rng.Float64() * total
		chosen := -1
		for p, d := range nearest {
			if d <= 0 {
				continue
			}
			chosen = p
			target -= d
			if target < 0 {
				break
			}
		}
		centers.SetRow(cluster, points.RawRowView(chosen))
		for p := range numPoints {
			nearest[p] = min(nearest[p], squaredDistance(points.RawRowView(p), centers.RawRowView(cluster)))
		}
	}
	return centers, nil
}

func squaredDistance(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}
