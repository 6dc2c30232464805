package quantization

import (
	"fmt"
	"math/bits"
)

// Binary implements one-bit-per-dimension threshold quantization, grounded
// on the teacher's BinaryQuantizer. AsymmetricDistance uses Hamming on the
// encoded query, per spec.md §4.3's "two-stage policy reranks with
// full-precision distances" — the rerank itself lives in the VectorDb
// facade, not here.
type Binary struct {
	dimension int
	threshold []float32
	trained   bool
}

func NewBinary(dimension int) *Binary {
	return &Binary{dimension: dimension, threshold: make([]float32, dimension)}
}

// Train sets each dimension's threshold to the sample mean.
func (b *Binary) Train(samples [][]float32) error {
	if len(samples) < DefaultTrainingSampleSize {
		return ErrInsufficientTrainingData
	}
	sums := make([]float32, b.dimension)
	for _, vec := range samples {
		if len(vec) != b.dimension {
			return fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vec), b.dimension)
		}
		for d := 0; d < b.dimension; d++ {
			sums[d] += vec[d]
		}
	}
	for d := 0; d < b.dimension; d++ {
		b.threshold[d] = sums[d] / float32(len(samples))
	}
	b.trained = true
	return nil
}

func (b *Binary) Encode(vector []float32) ([]byte, error) {
	if !b.trained {
		return nil, ErrNotTrained
	}
	if len(vector) != b.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vector), b.dimension)
	}
	out := make([]byte, (b.dimension+7)/8)
	for d := 0; d < b.dimension; d++ {
		if vector[d] >= b.threshold[d] {
			out[d/8] |= 1 << uint(d%8)
		}
	}
	return out, nil
}

// Decode reconstructs a vector using the threshold as the value for set
// bits and the threshold minus one unit for unset bits; this is a coarse
// best-effort reconstruction, as binary codes are inherently lossy.
func (b *Binary) Decode(code []byte) ([]float32, error) {
	if !b.trained {
		return nil, ErrNotTrained
	}
	if len(code) < (b.dimension+7)/8 {
		return nil, fmt.Errorf("quantization: encoded data too short")
	}
	vector := make([]float32, b.dimension)
	for d := 0; d < b.dimension; d++ {
		if code[d/8]&(1<<uint(d%8)) != 0 {
			vector[d] = b.threshold[d]
		} else {
			vector[d] = b.threshold[d] - 1
		}
	}
	return vector, nil
}

// AsymmetricDistance encodes query with the same thresholds and returns the
// Hamming distance to code, avoiding a full decode of the candidate.
func (b *Binary) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	qCode, err := b.Encode(query)
	if err != nil {
		return 0, err
	}
	if len(qCode) != len(code) {
		return 0, fmt.Errorf("quantization: code length mismatch")
	}
	count := 0
	for i := range qCode {
		count += bits.OnesCount8(qCode[i] ^ code[i])
	}
	return float32(count), nil
}

func (b *Binary) Stats() Stats {
	compressed := (b.dimension + 7) / 8
	return Stats{
		Dimensions:       b.dimension,
		CompressedBytes:  compressed,
		CompressionRatio: float32(b.dimension*32) / float32(compressed*8),
	}
}
