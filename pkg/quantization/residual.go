package quantization

import "fmt"

// Residual implements residual (stacked product) quantization: layer i is
// trained on the residual left after reconstructing with layers 0..i-1,
// per spec.md §4.3. Not present in the teacher; built on the same k-means
// machinery pkg/quantization/product.go already provides.
type Residual struct {
	dimension int
	layers    []*Product
	trained   bool
}

// NewResidual creates L untrained Product layers, each with m subspaces and
// 2^nbits centroids, stacked to approximate progressively smaller residuals.
func NewResidual(dimension, layerCount, m, nbits int, seed int64) (*Residual, error) {
	layers := make([]*Product, layerCount)
	for i := range layers {
		pq, err := NewProduct(dimension, m, nbits, seed+int64(i))
		if err != nil {
			return nil, err
		}
		layers[i] = pq
	}
	return &Residual{dimension: dimension, layers: layers}, nil
}

func (r *Residual) Train(samples [][]float32) error {
	if len(samples) < DefaultTrainingSampleSize {
		return ErrInsufficientTrainingData
	}

	residuals := make([][]float32, len(samples))
	for i, vec := range samples {
		if len(vec) != r.dimension {
			return fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vec), r.dimension)
		}
		cp := make([]float32, len(vec))
		copy(cp, vec)
		residuals[i] = cp
	}

	for l, layer := range r.layers {
		if err := layer.Train(residuals); err != nil {
			return fmt.Errorf("quantization: residual layer %d: %w", l, err)
		}
		for i, res := range residuals {
			code, err := layer.Encode(res)
			if err != nil {
				return fmt.Errorf("quantization: residual layer %d encode: %w", l, err)
			}
			recon, err := layer.Decode(code)
			if err != nil {
				return fmt.Errorf("quantization: residual layer %d decode: %w", l, err)
			}
			for d := range res {
				residuals[i][d] = res[d] - recon[d]
			}
		}
	}
	r.trained = true
	return nil
}

// Encode returns the layers' codes concatenated into one slice, layer 0
// first, m bytes per layer.
func (r *Residual) Encode(vector []float32) ([]byte, error) {
	if !r.trained {
		return nil, ErrNotTrained
	}
	if len(vector) != r.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d != quantizer dimension %d", len(vector), r.dimension)
	}

	residual := make([]float32, len(vector))
	copy(residual, vector)

	out := make([]byte, 0, len(r.layers)*r.layers[0].m)
	for _, layer := range r.layers {
		code, err := layer.Encode(residual)
		if err != nil {
			return nil, err
		}
		out = append(out, code...)

		recon, err := layer.Decode(code)
		if err != nil {
			return nil, err
		}
		for d := range residual {
			residual[d] -= recon[d]
		}
	}
	return out, nil
}

// Decode sums each layer's reconstruction.
func (r *Residual) Decode(code []byte) ([]float32, error) {
	if !r.trained {
		return nil, ErrNotTrained
	}
	perLayer := r.layers[0].m
	if len(code) != perLayer*len(r.layers) {
		return nil, fmt.Errorf("quantization: residual code length %d != expected %d", len(code), perLayer*len(r.layers))
	}

	vector := make([]float32, r.dimension)
	for l, layer := range r.layers {
		layerCode := code[l*perLayer : (l+1)*perLayer]
		recon, err := layer.Decode(layerCode)
		if err != nil {
			return nil, err
		}
		for d := range vector {
			vector[d] += recon[d]
		}
	}
	return vector, nil
}

// AsymmetricDistance sums each layer's asymmetric distance against the
// layer's own residual of query relative to the previous layers'
// reconstruction of this candidate code.
func (r *Residual) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	if !r.trained {
		return 0, ErrNotTrained
	}
	perLayer := r.layers[0].m
	if len(code) != perLayer*len(r.layers) {
		return 0, fmt.Errorf("quantization: residual code length %d != expected %d", len(code), perLayer*len(r.layers))
	}

	residualQuery := make([]float32, len(query))
	copy(residualQuery, query)

	var total float32
	for l, layer := range r.layers {
		layerCode := code[l*perLayer : (l+1)*perLayer]
		dist, err := layer.AsymmetricDistance(residualQuery, layerCode)
		if err != nil {
			return 0, err
		}
		total += dist

		recon, err := layer.Decode(layerCode)
		if err != nil {
			return 0, err
		}
		for d := range residualQuery {
			residualQuery[d] -= recon[d]
		}
	}
	return total, nil
}

func (r *Residual) Stats() Stats {
	compressed := 0
	for _, layer := range r.layers {
		compressed += layer.Stats().CompressedBytes
	}
	return Stats{
		Dimensions:       r.dimension,
		CompressedBytes:  compressed,
		CompressionRatio: float32(r.dimension*4) / float32(compressed),
	}
}
