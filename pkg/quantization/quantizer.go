// Package quantization implements the scalar, product, residual, and binary
// vector codecs of spec.md §4.3: train once on a sample, encode
// deterministically, decode best-effort, and compute asymmetric distance
// against a full-precision query without materializing the decoded
// candidate.
package quantization

import "errors"

// DefaultTrainingSampleSize is the minimum sample count required by Train,
// per spec.md §4.3.
const DefaultTrainingSampleSize = 1000

// ErrInsufficientTrainingData is returned by Train when fewer than
// DefaultTrainingSampleSize vectors are supplied.
var ErrInsufficientTrainingData = errors.New("quantization: insufficient training data")

// ErrNotTrained is returned by Encode/Decode/AsymmetricDistance before Train
// has succeeded.
var ErrNotTrained = errors.New("quantization: quantizer not trained")

// Stats describes a trained quantizer's footprint.
type Stats struct {
	Dimensions       int
	CompressedBytes  int
	CompressionRatio float32
}

// Quantizer is the shared capability interface implemented by Scalar,
// Product, Residual, and Binary. Variants are dispatched through this
// interface rather than a class hierarchy, per spec.md §9's
// "sum types over inheritance" note.
type Quantizer interface {
	// Train learns codec parameters from samples. Fails with
	// ErrInsufficientTrainingData if len(samples) < DefaultTrainingSampleSize.
	Train(samples [][]float32) error

	// Encode deterministically compresses vector into a code. Fails with
	// ErrNotTrained if called before Train.
	Encode(vector []float32) ([]byte, error)

	// Decode best-effort reconstructs a vector from a code. Lossy for every
	// variant except a theoretical no-op codec.
	Decode(code []byte) ([]float32, error)

	// AsymmetricDistance computes the distance between a full-precision
	// query and a quantized code without fully decoding the candidate.
	AsymmetricDistance(query []float32, code []byte) (float32, error)

	Stats() Stats
}
