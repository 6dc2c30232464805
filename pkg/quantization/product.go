package quantization

import (
	"fmt"
	"math"
	"math/rand"
)

// Product implements product quantization: the vector is split into M equal
// subvectors, each with its own k-means codebook of 2^nbits centroids,
// grounded on the teacher's pkg/quantization/product_quantization.go.
type Product struct {
	m         int // number of subspaces
	k         int // centroids per subspace (2^nbits)
	dimension int
	subDim    int
	codebooks [][][]float32 // [m][k][subDim]
	trained   bool
	rng       *rand.Rand
}

// NewProduct creates an untrained Product quantizer with M subspaces and
// 2^nbits centroids per subspace. dimension must be divisible by m.
func NewProduct(dimension, m, nbits int, seed int64) (*Product, error) {
	if dimension%m != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subspaces", dimension, m)
	}
	k := 1 << uint(nbits)
	if k > 256 {
		return nil, fmt.Errorf("quantization: nbits must keep centroid count <= 256, got %d", k)
	}
	return &Product{
		m:         m,
		k:         k,
		dimension: dimension,
		subDim:    dimension / m,
		codebooks: make([][][]float32, m),
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

func (p *Product) Train(samples [][]float32) error {
	if len(samples) < DefaultTrainingSampleSize {
		return ErrInsufficientTrainingData
	}
	if len(samples) < p.k {
		return fmt.Errorf("quantization: need at least %d vectors to train %d centroids, got %d", p.k, p.k, len(samples))
	}

	for m := 0; m < p.m; m++ {
		sub := make([][]float32, len(samples))
		start := m * p.subDim
		for i, vec := range samples {
			if len(vec) != p.dimension {
				return fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vec), p.dimension)
			}
			sub[i] = vec[start : start+p.subDim]
		}
		centroids, err := kMeans(sub, p.k, 20, p.rng)
		if err != nil {
			return fmt.Errorf("quantization: k-means failed for subspace %d: %w", m, err)
		}
		p.codebooks[m] = centroids
	}
	p.trained = true
	return nil
}

func (p *Product) Encode(vector []float32) ([]byte, error) {
	if !p.trained {
		return nil, ErrNotTrained
	}
	if len(vector) != p.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vector), p.dimension)
	}

	codes := make([]byte, p.m)
	for m := 0; m < p.m; m++ {
		start := m * p.subDim
		sub := vector[start : start+p.subDim]
		minDist := float32(math.MaxFloat32)
		minIdx := 0
		for k := 0; k < p.k; k++ {
			dist := sqEuclidean(sub, p.codebooks[m][k])
			if dist < minDist {
				minDist = dist
				minIdx = k
			}
		}
		codes[m] = byte(minIdx)
	}
	return codes, nil
}

func (p *Product) Decode(code []byte) ([]float32, error) {
	if !p.trained {
		return nil, ErrNotTrained
	}
	if len(code) != p.m {
		return nil, fmt.Errorf("quantization: code length %d != %d subspaces", len(code), p.m)
	}
	vector := make([]float32, p.dimension)
	for m := 0; m < p.m; m++ {
		idx := int(code[m])
		if idx >= p.k {
			return nil, fmt.Errorf("quantization: invalid code %d for subspace %d", idx, m)
		}
		copy(vector[m*p.subDim:(m+1)*p.subDim], p.codebooks[m][idx])
	}
	return vector, nil
}

// AsymmetricDistance precomputes an M x K lookup of squared distance
// between each subquery and each centroid, then sums by code index, per
// spec.md §4.3.
func (p *Product) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	if !p.trained {
		return 0, ErrNotTrained
	}
	if len(query) != p.dimension {
		return 0, fmt.Errorf("quantization: query dimension %d != %d", len(query), p.dimension)
	}
	if len(code) != p.m {
		return 0, fmt.Errorf("quantization: code length %d != %d subspaces", len(code), p.m)
	}

	table := p.distanceTable(query)
	var total float32
	for m := 0; m < p.m; m++ {
		total += table[m][code[m]]
	}
	return total, nil
}

func (p *Product) distanceTable(query []float32) [][]float32 {
	table := make([][]float32, p.m)
	for m := 0; m < p.m; m++ {
		start := m * p.subDim
		sub := query[start : start+p.subDim]
		table[m] = make([]float32, p.k)
		for k := 0; k < p.k; k++ {
			table[m][k] = sqEuclidean(sub, p.codebooks[m][k])
		}
	}
	return table
}

func (p *Product) Stats() Stats {
	return Stats{
		Dimensions:       p.dimension,
		CompressedBytes:  p.m,
		CompressionRatio: float32(p.dimension*4) / float32(p.m),
	}
}
