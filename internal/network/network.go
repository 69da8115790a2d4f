// Package network loads and executes trained classification networks.
//
// A checkpoint is a pair of files exported from the training environment:
// a JSON manifest (<name>.json) describing the layer graph, and a raw
// little-endian float32 blob (<name>.bin) holding the weights. The manifest
// preserves the trained graph's structure, including a nested backbone
// (a reusable classifier trunk embedded as a single "model" layer), so the
// saliency engine can introspect heterogeneous architectures without
// per-model configuration.
//
// Execution and gradients run on gorgonia expression graphs in NCHW layout;
// the exporter is responsible for transposing weights accordingly (conv
// kernels are stored HWIO and transposed at load, dense kernels following a
// flatten are pre-permuted by the exporter).
package network

import (
	"gorgonia.org/tensor"
)

// Kind identifies a layer type in the manifest.
type Kind string

// Layer kinds understood by the graph builder.
const (
	KindInput         Kind = "input"
	KindConv          Kind = "conv"
	KindDepthwiseConv Kind = "depthwise_conv"
	KindSeparableConv Kind = "separable_conv"
	KindDense         Kind = "dense"
	KindBatchNorm     Kind = "batch_norm"
	KindMaxPool       Kind = "max_pool"
	KindAvgPool       Kind = "avg_pool"
	KindGlobalAvgPool Kind = "global_avg_pool"
	KindFlatten       Kind = "flatten"
	KindDropout       Kind = "dropout"
	KindActivation    Kind = "activation"
	KindAdd           Kind = "add"
	KindConcat        Kind = "concat"
	KindModel         Kind = "model"
)

// Config holds the per-layer hyperparameters from the manifest.
type Config struct {
	Activation string  `json:"activation,omitempty"`
	Filters    int     `json:"filters,omitempty"`
	Units      int     `json:"units,omitempty"`
	Kernel     []int   `json:"kernel,omitempty"`  // kh, kw
	Strides    []int   `json:"strides,omitempty"` // sh, sw
	Pad        []int   `json:"pad,omitempty"`     // ph, pw (symmetric, exporter-resolved)
	Pool       []int   `json:"pool,omitempty"`    // pooling window
	Epsilon    float64 `json:"epsilon,omitempty"` // batch norm
}

// Weights holds a layer's trainable parameters, already converted to the
// layouts the graph builder consumes. All tensors are read-only after load.
type Weights struct {
	Kernel    *tensor.Dense   // conv OIHW, dense (in, units)
	Bias      *tensor.Dense   // conv (1,C,1,1), dense (1, units)
	Depthwise []*tensor.Dense // per-channel (1,1,kh,kw) kernels
	Pointwise *tensor.Dense   // separable 1x1 conv, OIHW
	Scale     *tensor.Dense   // folded batch norm multiplier
	Shift     *tensor.Dense   // folded batch norm offset
}

// Layer is one node of the loaded computation graph.
type Layer struct {
	Name string
	Kind Kind

	// Inputs names the inbound layers. Empty means "previous layer in
	// sequence", which is how sequential checkpoints are exported.
	Inputs []string

	// OutputShape is the static NHWC shape recorded at export time, with 0
	// in the batch position. Its length is the output rank used by graph
	// introspection.
	OutputShape []int

	Config  Config
	Weights Weights

	// Sub holds the nested layer sequence when Kind == KindModel.
	Sub []*Layer
}

// OutputRank returns the rank of the layer's output tensor.
func (l *Layer) OutputRank() int { return len(l.OutputShape) }

// IsConvFamily reports whether the layer produces a convolutional feature
// map usable for saliency (plain, depthwise, or separable convolution).
func (l *Layer) IsConvFamily() bool {
	switch l.Kind {
	case KindConv, KindDepthwiseConv, KindSeparableConv:
		return true
	}
	return false
}

// Network is an immutable loaded classification network. It is shared
// read-only between concurrent requests; each request compiles its own
// execution graph.
type Network struct {
	Name string
	Path string

	// InputShape is NHWC with 0 in the batch position.
	InputShape []int

	Layers []*Layer
}

// OutputWidth returns the class-axis width of the final layer, or 0 when the
// manifest records no usable shape.
func (n *Network) OutputWidth() int {
	if len(n.Layers) == 0 {
		return 0
	}
	last := n.Layers[len(n.Layers)-1]
	if len(last.OutputShape) != 2 {
		return 0
	}
	return last.OutputShape[1]
}

// FindLayer resolves a layer by name, descending into nested models.
// Returns nil when no layer matches.
func (n *Network) FindLayer(name string) *Layer {
	return findLayer(n.Layers, name)
}

func findLayer(layers []*Layer, name string) *Layer {
	for _, l := range layers {
		if l.Name == name {
			return l
		}
		if l.Kind == KindModel {
			if found := findLayer(l.Sub, name); found != nil {
				return found
			}
		}
	}
	return nil
}
