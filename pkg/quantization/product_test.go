package quantization

import "testing"

func TestProductTrainTooFewVectors(t *testing.T) {
	pq, err := NewProduct(16, 4, 4, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pq.Train(randomSamples(5, 16, 1)); err != ErrInsufficientTrainingData {
		t.Fatalf("expected ErrInsufficientTrainingData, got %v", err)
	}
}

func TestProductEncodeDecodeShape(t *testing.T) {
	const dim = 16
	pq, err := NewProduct(dim, 4, 4, 1) // 4 subspaces, 16 centroids each
	if err != nil {
		t.Fatalf("new product: %v", err)
	}
	samples := randomSamples(DefaultTrainingSampleSize, dim, 1)
	if err := pq.Train(samples); err != nil {
		t.Fatalf("train: %v", err)
	}

	code, err := pq.Encode(samples[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code) != 4 {
		t.Fatalf("expected 4 subspace codes, got %d", len(code))
	}

	decoded, err := pq.Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != dim {
		t.Fatalf("expected decoded dimension %d, got %d", dim, len(decoded))
	}
}

func TestProductAsymmetricDistanceMonotonic(t *testing.T) {
	const dim = 16
	pq, _ := NewProduct(dim, 4, 4, 7)
	samples := randomSamples(DefaultTrainingSampleSize, dim, 7)
	if err := pq.Train(samples); err != nil {
		t.Fatalf("train: %v", err)
	}

	query := samples[0]
	codeNear, _ := pq.Encode(samples[0])
	codeFar, _ := pq.Encode(samples[1])

	distNear, err := pq.AsymmetricDistance(query, codeNear)
	if err != nil {
		t.Fatalf("asymmetric distance: %v", err)
	}
	distFar, err := pq.AsymmetricDistance(query, codeFar)
	if err != nil {
		t.Fatalf("asymmetric distance: %v", err)
	}
	if distNear > distFar {
		t.Fatalf("expected query's own code to score closer: near=%v far=%v", distNear, distFar)
	}
}

func TestResidualRoundTrip(t *testing.T) {
	const dim = 16
	rq, err := NewResidual(dim, 2, 4, 4, 11)
	if err != nil {
		t.Fatalf("new residual: %v", err)
	}
	samples := randomSamples(DefaultTrainingSampleSize, dim, 11)
	if err := rq.Train(samples); err != nil {
		t.Fatalf("train: %v", err)
	}

	code, err := rq.Encode(samples[0])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(code) != 2*4 {
		t.Fatalf("expected %d code bytes, got %d", 2*4, len(code))
	}

	decoded, err := rq.Decode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != dim {
		t.Fatalf("expected dimension %d, got %d", dim, len(decoded))
	}
}
