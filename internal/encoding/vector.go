// Package encoding implements the little-endian float32 vector codec and the
// recursive JSON-shaped metadata codec shared by both storage backends.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector cannot be encoded or decoded.
var ErrInvalidVector = errors.New("encoding: invalid vector")

// EncodeVector serializes a float32 vector as a length prefix followed by
// little-endian IEEE-754 values.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := make([]byte, 4+len(vector)*4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vector)))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4+i*4:8+i*4], math.Float32bits(v))
	}
	return buf, nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	expected := 4 + int(length)*4
	if len(data) < expected {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	for i := range vector {
		off := 4 + i*4
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return vector, nil
}

// ValidateVector rejects nil, empty, NaN, or infinite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: non-finite component", ErrInvalidVector)
		}
	}
	return nil
}

// PackBits packs a slice of booleans into a bitset, one bit per input
// element, least significant bit first within each byte, used by the binary
// quantizer's Hamming codes.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits reverses PackBits for the first n bits.
func UnpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}
