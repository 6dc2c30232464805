package quantization

import (
	"math/rand"
	"testing"
)

func randomSamples(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	samples := make([][]float32, n)
	for i := range samples {
		vec := make([]float32, dim)
		for d := range vec {
			vec[d] = float32(rng.NormFloat64())
		}
		samples[i] = vec
	}
	return samples
}

func TestScalarTrainInsufficientData(t *testing.T) {
	sq, err := NewScalar(8, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sq.Train(randomSamples(10, 8, 1)); err != ErrInsufficientTrainingData {
		t.Fatalf("expected ErrInsufficientTrainingData, got %v", err)
	}
}

func TestScalarRoundTripAccuracy(t *testing.T) {
	const dim = 16
	samples := randomSamples(DefaultTrainingSampleSize, dim, 2)

	for _, bits := range []int{4, 8, 16} {
		sq, err := NewScalar(dim, bits)
		if err != nil {
			t.Fatalf("bits=%d: %v", bits, err)
		}
		if err := sq.Train(samples); err != nil {
			t.Fatalf("bits=%d train: %v", bits, err)
		}

		v := samples[0]
		code, err := sq.Encode(v)
		if err != nil {
			t.Fatalf("bits=%d encode: %v", bits, err)
		}
		decoded, err := sq.Decode(code)
		if err != nil {
			t.Fatalf("bits=%d decode: %v", bits, err)
		}

		levels := float32((int(1) << uint(bits)) - 1)
		for d := range v {
			diff := v[d] - decoded[d]
			if diff < 0 {
				diff = -diff
			}
			// decode error must stay within the per-dimension quantization step
			step := (sq.max[d] - sq.min[d]) / levels
			if diff > step+1e-3 {
				t.Fatalf("bits=%d dim=%d: decode error %v exceeds step %v", bits, d, diff, step)
			}
		}
	}
}

func TestScalarNotTrained(t *testing.T) {
	sq, _ := NewScalar(4, 8)
	if _, err := sq.Encode([]float32{1, 2, 3, 4}); err != ErrNotTrained {
		t.Fatalf("expected ErrNotTrained, got %v", err)
	}
}

func TestBinaryEncodeHammingMonotonic(t *testing.T) {
	const dim = 32
	samples := randomSamples(DefaultTrainingSampleSize, dim, 3)
	bq := NewBinary(dim)
	if err := bq.Train(samples); err != nil {
		t.Fatalf("train: %v", err)
	}

	query := samples[0]
	near := make([]float32, dim)
	copy(near, query)
	far := make([]float32, dim)
	for d := range far {
		far[d] = -query[d] * 10
	}

	nearCode, _ := bq.Encode(near)
	farCode, _ := bq.Encode(far)

	distNear, err := bq.AsymmetricDistance(query, nearCode)
	if err != nil {
		t.Fatalf("asymmetric distance near: %v", err)
	}
	distFar, err := bq.AsymmetricDistance(query, farCode)
	if err != nil {
		t.Fatalf("asymmetric distance far: %v", err)
	}
	if distNear > distFar {
		t.Fatalf("expected near candidate to have smaller Hamming distance: near=%v far=%v", distNear, distFar)
	}
}
