package quantization

import (
	"fmt"
	"math"
	"math/rand"
)

// kMeans clusters vectors into k centroids using Lloyd's algorithm, matching
// the teacher's pkg/quantization/product_quantization.go kMeans helper.
func kMeans(vectors [][]float32, k, maxIters int, rng *rand.Rand) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("quantization: need at least %d vectors, got %d", k, len(vectors))
	}

	dim := len(vectors[0])
	centroids := make([][]float32, k)
	perm := rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], vectors[perm[i]])
	}

	assignments := make([]int, len(vectors))

	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, centroid := range centroids {
				dist := sqEuclidean(vec, centroid)
				if dist < minDist {
					minDist = dist
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += vec[d]
			}
		}
		for i := range centroids {
			if counts[i] == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[i][d] = sums[i][d] / float32(counts[i])
			}
		}
	}

	return centroids, nil
}

func sqEuclidean(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sum
}
