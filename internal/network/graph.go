package network

import (
	"errors"
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	// ErrLayerNotFound is returned when a requested activation tap names a
	// layer that is never reached while building the graph.
	ErrLayerNotFound = errors.New("network: tap layer not found")

	// ErrUnknownKind is returned for manifest layer kinds the builder does
	// not understand.
	ErrUnknownKind = errors.New("network: unknown layer kind")
)

// Execution is a compiled expression graph for one network, ready to run on
// a single-image batch. Activation is non-nil when a tap was requested at
// compile time; gradient consumers differentiate against it.
type Execution struct {
	Graph      *G.ExprGraph
	Input      *G.Node
	Output     *G.Node
	Activation *G.Node
}

// Compile builds the expression graph in NCHW layout. When tap is non-empty
// the named layer's output node is recorded as the Activation, including
// layers inside a nested backbone.
func (n *Network) Compile(tap string) (*Execution, error) {
	g := G.NewGraph()

	h, w, c := n.InputShape[1], n.InputShape[2], n.InputShape[3]
	input := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, c, h, w), G.WithName("input"))

	b := &builder{nodes: map[string]*G.Node{}, tap: tap}
	out, err := b.sequence(n.Layers, input)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Name, err)
	}
	if tap != "" && b.tapped == nil {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, tap)
	}

	return &Execution{Graph: g, Input: input, Output: out, Activation: b.tapped}, nil
}

// CompileFrom builds the tail of the network as its own graph: the named
// layer's output becomes the graph input and the head output is the graph
// output. Differentiation against the tapped activation then happens against
// a true input node, which is the only kind the autodiff accepts.
//
// Tail layers that reference pre-tap layers by name cannot be rebuilt from
// the cut point and fail with an unresolved-input error; callers fall back
// to a coarser tap (the backbone output) in that case.
func (n *Network) CompileFrom(tap string) (*Execution, error) {
	tail, shape, err := n.tailAfter(tap)
	if err != nil {
		return nil, err
	}

	g := G.NewGraph()
	input := G.NewTensor(g, tensor.Float32, len(shape),
		G.WithShape(shape...), G.WithName("activation"))

	b := &builder{nodes: map[string]*G.Node{tap: input}}
	out, err := b.sequence(tail, input)
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", n.Name, err)
	}

	return &Execution{Graph: g, Input: input, Output: out, Activation: input}, nil
}

// tailAfter returns the layers executed after the named layer, together with
// that layer's output shape in batch-1 NCHW form. A tap inside a nested
// backbone continues through the backbone's remaining layers and then the
// top-level layers after it.
func (n *Network) tailAfter(name string) ([]*Layer, []int, error) {
	for i, l := range n.Layers {
		if l.Name == name {
			return n.Layers[i+1:], nchwShape(l.OutputShape), nil
		}
		if l.Kind != KindModel {
			continue
		}
		for j, sub := range l.Sub {
			if sub.Name != name {
				continue
			}
			tail := make([]*Layer, 0, len(l.Sub)-j-1+len(n.Layers)-i-1)
			tail = append(tail, l.Sub[j+1:]...)
			tail = append(tail, n.Layers[i+1:]...)
			return tail, nchwShape(sub.OutputShape), nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
}

// nchwShape converts a manifest NHWC shape with a 0 batch entry into the
// batch-1 NCHW shape graph nodes carry.
func nchwShape(nhwc []int) []int {
	if len(nhwc) == 4 {
		return []int{1, nhwc[3], nhwc[1], nhwc[2]}
	}
	out := make([]int, len(nhwc))
	copy(out, nhwc)
	if len(out) > 0 {
		out[0] = 1
	}
	return out
}

// BindInput attaches a batch-1 NCHW input to the compiled graph.
func (e *Execution) BindInput(nchw []float32) error {
	shape := e.Input.Shape()
	if len(nchw) != shape.TotalSize() {
		return fmt.Errorf("network: input has %d values, graph expects %d", len(nchw), shape.TotalSize())
	}
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(nchw))
	return G.Let(e.Input, t)
}

// OutputRows returns the executed head output as a rank-2 row slice.
func (e *Execution) OutputRows() ([][]float32, error) {
	v := e.Output.Value()
	if v == nil {
		return nil, fmt.Errorf("network: output has no value (graph not executed)")
	}

	var flat []float32
	switch data := v.Data().(type) {
	case []float32:
		flat = data
	case float32:
		flat = []float32{data}
	default:
		return nil, fmt.Errorf("network: unexpected output element type %T", data)
	}

	shape := e.Output.Shape()
	rows, cols := 1, len(flat)
	if len(shape) == 2 {
		rows, cols = shape[0], shape[1]
	}

	out := make([][]float32, rows)
	for r := 0; r < rows; r++ {
		row := make([]float32, cols)
		copy(row, flat[r*cols:(r+1)*cols])
		out[r] = row
	}
	return out, nil
}

// Predict compiles and runs a plain forward pass, returning the raw head
// output rows.
func (n *Network) Predict(nchw []float32) ([][]float32, error) {
	e, err := n.Compile("")
	if err != nil {
		return nil, err
	}
	if err := e.BindInput(nchw); err != nil {
		return nil, err
	}

	machine := G.NewTapeMachine(e.Graph)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, fmt.Errorf("network %s: run: %w", n.Name, err)
	}

	return e.OutputRows()
}

// builder walks the manifest layer sequence and emits gorgonia nodes.
type builder struct {
	nodes  map[string]*G.Node
	tap    string
	tapped *G.Node
}

// sequence applies layers in order. Layers without explicit inputs chain
// from the previous layer, which is how sequential exports arrive.
func (b *builder) sequence(layers []*Layer, incoming *G.Node) (*G.Node, error) {
	prev := incoming
	for _, l := range layers {
		var in []*G.Node
		if len(l.Inputs) == 0 {
			in = []*G.Node{prev}
		} else {
			in = make([]*G.Node, len(l.Inputs))
			for i, name := range l.Inputs {
				node, ok := b.nodes[name]
				if !ok {
					return nil, fmt.Errorf("layer %s: unresolved input %q", l.Name, name)
				}
				in[i] = node
			}
		}

		node, err := b.apply(l, in)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}

		b.nodes[l.Name] = node
		if l.Name == b.tap {
			b.tapped = node
		}
		prev = node
	}
	return prev, nil
}

func (b *builder) apply(l *Layer, in []*G.Node) (*G.Node, error) {
	x := in[0]

	switch l.Kind {
	case KindInput:
		// Input declarations carry no computation; reusing the incoming
		// node also covers redundant input layers inside a backbone.
		return x, nil

	case KindModel:
		return b.sequence(l.Sub, x)

	case KindConv:
		return b.conv(x, l)

	case KindDepthwiseConv:
		out, err := b.perChannelConv(x, l.Name, l.Weights.Depthwise, convPad(l), convStride(l))
		if err != nil {
			return nil, err
		}
		return b.biasActivation(out, l)

	case KindSeparableConv:
		dw, err := b.perChannelConv(x, l.Name+"_dw", l.Weights.Depthwise, convPad(l), convStride(l))
		if err != nil {
			return nil, err
		}
		pw := valueNode(x.Graph(), l.Name+"_pw", l.Weights.Pointwise)
		out, err := G.Conv2d(dw, pw, tensor.Shape{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, err
		}
		return b.biasActivation(out, l)

	case KindDense:
		w := valueNode(x.Graph(), l.Name+"_kernel", l.Weights.Kernel)
		out, err := G.Mul(x, w)
		if err != nil {
			return nil, err
		}
		if l.Weights.Bias != nil {
			bias := valueNode(x.Graph(), l.Name+"_bias", l.Weights.Bias)
			if out, err = G.Add(out, bias); err != nil {
				return nil, err
			}
		}
		return activation(out, l.Config.Activation)

	case KindBatchNorm:
		return b.batchNorm(x, l)

	case KindMaxPool:
		return G.MaxPool2D(x, poolWindow(l), convPad(l), poolStride(l))

	case KindAvgPool:
		return G.AveragePool2D(x, poolWindow(l), convPad(l), poolStride(l))

	case KindGlobalAvgPool:
		out, err := G.GlobalAveragePool2D(x)
		if err != nil {
			return nil, err
		}
		// Collapse the trailing 1x1 spatial dims for the dense head.
		shape := x.Shape()
		return G.Reshape(out, tensor.Shape{shape[0], shape[1]})

	case KindFlatten:
		total := x.Shape().TotalSize()
		return G.Reshape(x, tensor.Shape{1, total})

	case KindDropout:
		// Inference-time identity.
		return x, nil

	case KindActivation:
		return activation(x, l.Config.Activation)

	case KindAdd:
		if len(in) < 2 {
			return nil, fmt.Errorf("add layer needs at least 2 inputs, got %d", len(in))
		}
		out := in[0]
		var err error
		for _, other := range in[1:] {
			if out, err = G.Add(out, other); err != nil {
				return nil, err
			}
		}
		return out, nil

	case KindConcat:
		if len(in) < 2 {
			return nil, fmt.Errorf("concat layer needs at least 2 inputs, got %d", len(in))
		}
		// Channel axis in NCHW layout.
		return G.Concat(1, in...)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, l.Kind)
	}
}

func (b *builder) conv(x *G.Node, l *Layer) (*G.Node, error) {
	kernel := valueNode(x.Graph(), l.Name+"_kernel", l.Weights.Kernel)
	shape := l.Weights.Kernel.Shape() // OIHW
	out, err := G.Conv2d(x, kernel, tensor.Shape{shape[2], shape[3]},
		convPad(l), convStride(l), []int{1, 1})
	if err != nil {
		return nil, err
	}
	return b.biasActivation(out, l)
}

// biasActivation appends the per-channel bias broadcast and the configured
// activation to a spatial feature map.
func (b *builder) biasActivation(x *G.Node, l *Layer) (*G.Node, error) {
	var err error
	if l.Weights.Bias != nil {
		bias := valueNode(x.Graph(), l.Name+"_bias", l.Weights.Bias)
		if x, err = G.BroadcastAdd(x, bias, nil, []byte{2, 3}); err != nil {
			return nil, err
		}
	}
	return activation(x, l.Config.Activation)
}

func (b *builder) batchNorm(x *G.Node, l *Layer) (*G.Node, error) {
	scale := valueNode(x.Graph(), l.Name+"_scale", l.Weights.Scale)
	shift := valueNode(x.Graph(), l.Name+"_shift", l.Weights.Shift)

	if l.OutputRank() == 4 {
		out, err := G.BroadcastHadamardProd(x, scale, nil, []byte{2, 3})
		if err != nil {
			return nil, err
		}
		return G.BroadcastAdd(out, shift, nil, []byte{2, 3})
	}

	out, err := G.HadamardProd(x, scale)
	if err != nil {
		return nil, err
	}
	return G.Add(out, shift)
}

// perChannelConv slices the input per channel, convolves each slice with its
// own single-channel kernel, and concatenates the results back along the
// channel axis. This expresses depthwise convolution with the plain conv op.
func (b *builder) perChannelConv(x *G.Node, name string, kernels []*tensor.Dense, pad, stride []int) (*G.Node, error) {
	shape := x.Shape() // (1, C, H, W)
	if len(shape) != 4 {
		return nil, fmt.Errorf("per-channel conv input rank %d, want 4", len(shape))
	}
	channels, height, width := shape[1], shape[2], shape[3]
	if len(kernels) != channels {
		return nil, fmt.Errorf("have %d channel kernels for %d channels", len(kernels), channels)
	}

	parts := make([]*G.Node, channels)
	for c := 0; c < channels; c++ {
		sl, err := G.Slice(x, G.S(0), G.S(c))
		if err != nil {
			return nil, err
		}
		single, err := G.Reshape(sl, tensor.Shape{1, 1, height, width})
		if err != nil {
			return nil, err
		}

		kshape := kernels[c].Shape()
		kn := valueNode(x.Graph(), fmt.Sprintf("%s_k%d", name, c), kernels[c])
		conv, err := G.Conv2d(single, kn, tensor.Shape{kshape[2], kshape[3]}, pad, stride, []int{1, 1})
		if err != nil {
			return nil, err
		}
		parts[c] = conv
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	return G.Concat(1, parts...)
}

// valueNode attaches a read-only weight tensor to the graph. The node must
// live in the same graph as its consumers or op construction fails.
func valueNode(g *G.ExprGraph, name string, t *tensor.Dense) *G.Node {
	return G.NewTensor(g, tensor.Float32, t.Dims(),
		G.WithShape(t.Shape()...), G.WithValue(t), G.WithName(name))
}

func activation(x *G.Node, name string) (*G.Node, error) {
	switch name {
	case "", "linear":
		return x, nil
	case "relu":
		return G.Rectify(x)
	case "sigmoid":
		return G.Sigmoid(x)
	case "softmax":
		return G.SoftMax(x)
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

func convPad(l *Layer) []int {
	if len(l.Config.Pad) == 2 {
		return []int{l.Config.Pad[0], l.Config.Pad[1]}
	}
	return []int{0, 0}
}

func convStride(l *Layer) []int {
	if len(l.Config.Strides) == 2 {
		return []int{l.Config.Strides[0], l.Config.Strides[1]}
	}
	return []int{1, 1}
}

func poolWindow(l *Layer) tensor.Shape {
	if len(l.Config.Pool) == 2 {
		return tensor.Shape{l.Config.Pool[0], l.Config.Pool[1]}
	}
	return tensor.Shape{2, 2}
}

// poolStride defaults to the pool window, matching the exporter's source
// framework semantics.
func poolStride(l *Layer) []int {
	if len(l.Config.Strides) == 2 {
		return []int{l.Config.Strides[0], l.Config.Strides[1]}
	}
	w := poolWindow(l)
	return []int{w[0], w[1]}
}
