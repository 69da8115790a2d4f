package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"gorgonia.org/tensor"
)

// manifest mirrors the checkpoint JSON layout.
type manifest struct {
	Name       string          `json:"name"`
	InputShape []int           `json:"input_shape"`
	Layers     []manifestLayer `json:"layers"`
}

type manifestLayer struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Inputs      []string        `json:"inputs,omitempty"`
	OutputShape []int           `json:"output_shape"`
	Config      Config          `json:"config,omitempty"`
	Weights     []weightRef     `json:"weights,omitempty"`
	Layers      []manifestLayer `json:"layers,omitempty"`
}

// weightRef locates one tensor inside the weight blob.
type weightRef struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
}

// Load reads a checkpoint manifest and its sibling weight blob
// (manifest path with the extension replaced by .bin).
func Load(name, manifestPath string) (*Network, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("network %s: read manifest: %w", name, err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("network %s: parse manifest: %w", name, err)
	}
	if len(m.InputShape) != 4 {
		return nil, fmt.Errorf("network %s: input shape %v is not a 4-D batch shape", name, m.InputShape)
	}
	if len(m.Layers) == 0 {
		return nil, fmt.Errorf("network %s: manifest has no layers", name)
	}

	binPath := strings.TrimSuffix(manifestPath, ".json") + ".bin"
	data, err := os.ReadFile(binPath)
	if err != nil {
		return nil, fmt.Errorf("network %s: read weights: %w", name, err)
	}
	b := &blob{data: data}

	layers, err := convertLayers(m.Layers, b)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", name, err)
	}

	return &Network{
		Name:       name,
		Path:       manifestPath,
		InputShape: m.InputShape,
		Layers:     layers,
	}, nil
}

func convertLayers(specs []manifestLayer, b *blob) ([]*Layer, error) {
	layers := make([]*Layer, 0, len(specs))
	for _, spec := range specs {
		l := &Layer{
			Name:        spec.Name,
			Kind:        Kind(spec.Kind),
			Inputs:      spec.Inputs,
			OutputShape: spec.OutputShape,
			Config:      spec.Config,
		}

		if l.Kind == KindModel {
			sub, err := convertLayers(spec.Layers, b)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", spec.Name, err)
			}
			l.Sub = sub
		}

		if err := prepareWeights(l, spec.Weights, b); err != nil {
			return nil, fmt.Errorf("layer %s: %w", spec.Name, err)
		}

		layers = append(layers, l)
	}
	return layers, nil
}

// prepareWeights converts raw manifest tensors into builder-ready layouts.
func prepareWeights(l *Layer, refs []weightRef, b *blob) error {
	byName := make(map[string]weightRef, len(refs))
	for _, ref := range refs {
		byName[ref.Name] = ref
	}

	switch l.Kind {
	case KindConv:
		kernel, err := requiredRef(byName, "kernel")
		if err != nil {
			return err
		}
		l.Weights.Kernel, err = convKernelOIHW(kernel, b)
		if err != nil {
			return err
		}
		if bias, ok := byName["bias"]; ok {
			l.Weights.Bias, err = channelVector(bias, b)
			if err != nil {
				return err
			}
		}

	case KindDepthwiseConv:
		kernel, err := requiredRef(byName, "depthwise_kernel")
		if err != nil {
			return err
		}
		l.Weights.Depthwise, err = depthwiseKernels(kernel, b)
		if err != nil {
			return err
		}
		if bias, ok := byName["bias"]; ok {
			l.Weights.Bias, err = channelVector(bias, b)
			if err != nil {
				return err
			}
		}

	case KindSeparableConv:
		dw, err := requiredRef(byName, "depthwise_kernel")
		if err != nil {
			return err
		}
		l.Weights.Depthwise, err = depthwiseKernels(dw, b)
		if err != nil {
			return err
		}
		pw, err := requiredRef(byName, "pointwise_kernel")
		if err != nil {
			return err
		}
		l.Weights.Pointwise, err = convKernelOIHW(pw, b)
		if err != nil {
			return err
		}
		if bias, ok := byName["bias"]; ok {
			l.Weights.Bias, err = channelVector(bias, b)
			if err != nil {
				return err
			}
		}

	case KindDense:
		kernel, err := requiredRef(byName, "kernel")
		if err != nil {
			return err
		}
		if len(kernel.Shape) != 2 {
			return fmt.Errorf("dense kernel shape %v is not rank 2", kernel.Shape)
		}
		vals, err := b.floats(kernel)
		if err != nil {
			return err
		}
		l.Weights.Kernel = tensor.New(tensor.WithShape(kernel.Shape...), tensor.WithBacking(vals))
		if bias, ok := byName["bias"]; ok {
			bvals, err := b.floats(bias)
			if err != nil {
				return err
			}
			l.Weights.Bias = tensor.New(tensor.WithShape(1, len(bvals)), tensor.WithBacking(bvals))
		}

	case KindBatchNorm:
		if err := foldBatchNorm(l, byName, b); err != nil {
			return err
		}
	}

	return nil
}

// foldBatchNorm collapses (gamma, beta, moving mean, moving variance) into a
// per-channel scale and shift, since inference never updates the statistics.
func foldBatchNorm(l *Layer, byName map[string]weightRef, b *blob) error {
	var vecs [4][]float32
	for i, name := range []string{"gamma", "beta", "moving_mean", "moving_variance"} {
		ref, err := requiredRef(byName, name)
		if err != nil {
			return err
		}
		vecs[i], err = b.floats(ref)
		if err != nil {
			return err
		}
	}
	gamma, beta, mean, variance := vecs[0], vecs[1], vecs[2], vecs[3]

	eps := l.Config.Epsilon
	if eps == 0 {
		eps = 1e-3
	}

	c := len(gamma)
	scale := make([]float32, c)
	shift := make([]float32, c)
	for i := 0; i < c; i++ {
		s := gamma[i] / float32(math.Sqrt(float64(variance[i])+eps))
		scale[i] = s
		shift[i] = beta[i] - mean[i]*s
	}

	// Spatial inputs broadcast over (1,C,1,1); vector inputs over (1,C).
	if l.OutputRank() == 4 {
		l.Weights.Scale = tensor.New(tensor.WithShape(1, c, 1, 1), tensor.WithBacking(scale))
		l.Weights.Shift = tensor.New(tensor.WithShape(1, c, 1, 1), tensor.WithBacking(shift))
	} else {
		l.Weights.Scale = tensor.New(tensor.WithShape(1, c), tensor.WithBacking(scale))
		l.Weights.Shift = tensor.New(tensor.WithShape(1, c), tensor.WithBacking(shift))
	}
	return nil
}

// convKernelOIHW transposes a stored HWIO convolution kernel into the OIHW
// layout gorgonia's conv op expects.
func convKernelOIHW(ref weightRef, b *blob) (*tensor.Dense, error) {
	if len(ref.Shape) != 4 {
		return nil, fmt.Errorf("conv kernel %s shape %v is not rank 4", ref.Name, ref.Shape)
	}
	vals, err := b.floats(ref)
	if err != nil {
		return nil, err
	}

	kh, kw, in, out := ref.Shape[0], ref.Shape[1], ref.Shape[2], ref.Shape[3]
	transposed := make([]float32, len(vals))
	for y := 0; y < kh; y++ {
		for x := 0; x < kw; x++ {
			for i := 0; i < in; i++ {
				for o := 0; o < out; o++ {
					src := ((y*kw+x)*in+i)*out + o
					dst := ((o*in+i)*kh+y)*kw + x
					transposed[dst] = vals[src]
				}
			}
		}
	}

	return tensor.New(tensor.WithShape(out, in, kh, kw), tensor.WithBacking(transposed)), nil
}

// depthwiseKernels splits a stored (kh,kw,C,1) depthwise kernel into C
// single-channel (1,1,kh,kw) kernels for the per-channel convolution trick.
func depthwiseKernels(ref weightRef, b *blob) ([]*tensor.Dense, error) {
	if len(ref.Shape) != 4 || ref.Shape[3] != 1 {
		return nil, fmt.Errorf("depthwise kernel %s shape %v is not (kh,kw,C,1)", ref.Name, ref.Shape)
	}
	vals, err := b.floats(ref)
	if err != nil {
		return nil, err
	}

	kh, kw, c := ref.Shape[0], ref.Shape[1], ref.Shape[2]
	kernels := make([]*tensor.Dense, c)
	for ch := 0; ch < c; ch++ {
		k := make([]float32, kh*kw)
		for y := 0; y < kh; y++ {
			for x := 0; x < kw; x++ {
				k[y*kw+x] = vals[(y*kw+x)*c+ch]
			}
		}
		kernels[ch] = tensor.New(tensor.WithShape(1, 1, kh, kw), tensor.WithBacking(k))
	}
	return kernels, nil
}

// channelVector reshapes a per-channel bias into (1,C,1,1) for broadcasting
// over spatial feature maps.
func channelVector(ref weightRef, b *blob) (*tensor.Dense, error) {
	vals, err := b.floats(ref)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(1, len(vals), 1, 1), tensor.WithBacking(vals)), nil
}

func requiredRef(byName map[string]weightRef, name string) (weightRef, error) {
	ref, ok := byName[name]
	if !ok {
		return weightRef{}, fmt.Errorf("missing weight %q", name)
	}
	return ref, nil
}

// blob provides bounds-checked reads from the raw weight file.
type blob struct {
	data []byte
}

func (b *blob) floats(ref weightRef) ([]float32, error) {
	count := 1
	for _, d := range ref.Shape {
		count *= d
	}
	end := ref.Offset + int64(count)*4
	if ref.Offset < 0 || end > int64(len(b.data)) {
		return nil, fmt.Errorf("weight %s at [%d,%d) exceeds blob size %d", ref.Name, ref.Offset, end, len(b.data))
	}

	vals := make([]float32, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(b.data[ref.Offset+int64(i)*4:])
		vals[i] = math.Float32frombits(bits)
	}
	return vals, nil
}
