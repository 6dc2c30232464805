package quantization

import (
	"encoding/binary"
	"fmt"
)

// Scalar implements per-dimension affine scalar quantization at 4, 8, or 16
// bits per component, generalized from the teacher's 1-8 bit
// ScalarQuantizer to also cover the 16-bit case spec.md §3 requires.
type Scalar struct {
	dimension int
	bits      int
	min       []float32
	max       []float32
	trained   bool
}

// NewScalar creates an untrained Scalar quantizer. bits must be 4, 8, or 16.
func NewScalar(dimension, bits int) (*Scalar, error) {
	if bits != 4 && bits != 8 && bits != 16 {
		return nil, fmt.Errorf("quantization: scalar bits must be 4, 8, or 16, got %d", bits)
	}
	return &Scalar{
		dimension: dimension,
		bits:      bits,
		min:       make([]float32, dimension),
		max:       make([]float32, dimension),
	}, nil
}

func (s *Scalar) Train(samples [][]float32) error {
	if len(samples) < DefaultTrainingSampleSize {
		return ErrInsufficientTrainingData
	}

	for d := 0; d < s.dimension; d++ {
		s.min[d] = samples[0][d]
		s.max[d] = samples[0][d]
	}
	for _, vec := range samples {
		if len(vec) != s.dimension {
			return fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vec), s.dimension)
		}
		for d := 0; d < s.dimension; d++ {
			if vec[d] < s.min[d] {
				s.min[d] = vec[d]
			}
			if vec[d] > s.max[d] {
				s.max[d] = vec[d]
			}
		}
	}
	for d := 0; d < s.dimension; d++ {
		if s.max[d] == s.min[d] {
			s.max[d] += 1e-6
		}
	}
	s.trained = true
	return nil
}

func (s *Scalar) maxCode() uint32 {
	return (uint32(1) << uint(s.bits)) - 1
}

func (s *Scalar) Encode(vector []float32) ([]byte, error) {
	if !s.trained {
		return nil, ErrNotTrained
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vector), s.dimension)
	}

	maxVal := s.maxCode()
	codes := make([]uint32, s.dimension)
	for d := 0; d < s.dimension; d++ {
		norm := (vector[d] - s.min[d]) / (s.max[d] - s.min[d])
		if norm < 0 {
			norm = 0
		} else if norm > 1 {
			norm = 1
		}
		codes[d] = uint32(norm * float32(maxVal))
	}

	switch {
	case s.bits == 16:
		out := make([]byte, s.dimension*2)
		for d, c := range codes {
			binary.LittleEndian.PutUint16(out[d*2:d*2+2], uint16(c))
		}
		return out, nil
	default:
		return packNBit(codes, s.bits), nil
	}
}

func (s *Scalar) Decode(code []byte) ([]float32, error) {
	if !s.trained {
		return nil, ErrNotTrained
	}
	maxVal := float32(s.maxCode())
	vector := make([]float32, s.dimension)

	if s.bits == 16 {
		if len(code) < s.dimension*2 {
			return nil, fmt.Errorf("quantization: encoded data too short")
		}
		for d := 0; d < s.dimension; d++ {
			c := binary.LittleEndian.Uint16(code[d*2 : d*2+2])
			norm := float32(c) / maxVal
			vector[d] = norm*(s.max[d]-s.min[d]) + s.min[d]
		}
		return vector, nil
	}

	codes, err := unpackNBit(code, s.dimension, s.bits)
	if err != nil {
		return nil, err
	}
	for d := 0; d < s.dimension; d++ {
		norm := float32(codes[d]) / maxVal
		vector[d] = norm*(s.max[d]-s.min[d]) + s.min[d]
	}
	return vector, nil
}

// AsymmetricDistance decodes the candidate (scalar decode is cheap per
// component) and computes squared Euclidean distance against query.
func (s *Scalar) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	vec, err := s.Decode(code)
	if err != nil {
		return 0, err
	}
	if len(query) != len(vec) {
		return 0, fmt.Errorf("quantization: query dimension %d != %d", len(query), len(vec))
	}
	return sqEuclidean(query, vec), nil
}

func (s *Scalar) Stats() Stats {
	bytesPer := (s.dimension*s.bits + 7) / 8
	return Stats{
		Dimensions:       s.dimension,
		CompressedBytes:  bytesPer,
		CompressionRatio: float32(s.dimension*32) / float32(bytesPer*8),
	}
}

// packNBit bit-packs a slice of codes at `bits` bits each, little-endian bit
// order within each byte, matching the teacher's bit-packing convention.
func packNBit(codes []uint32, bits int) []byte {
	total := len(codes) * bits
	out := make([]byte, (total+7)/8)
	offset := 0
	for _, c := range codes {
		for b := 0; b < bits; b++ {
			if c&(1<<uint(b)) != 0 {
				out[offset/8] |= 1 << uint(offset%8)
			}
			offset++
		}
	}
	return out
}

func unpackNBit(data []byte, n, bits int) ([]uint32, error) {
	total := n * bits
	if len(data) < (total+7)/8 {
		return nil, fmt.Errorf("quantization: encoded data too short")
	}
	out := make([]uint32, n)
	offset := 0
	for i := 0; i < n; i++ {
		var c uint32
		for b := 0; b < bits; b++ {
			if data[offset/8]&(1<<uint(offset%8)) != 0 {
				c |= 1 << uint(b)
			}
			offset++
		}
		out[i] = c
	}
	return out, nil
}
