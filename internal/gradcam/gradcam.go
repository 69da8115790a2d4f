// Package gradcam produces class-discriminative saliency maps for loaded
// classification networks, rendered as heatmap and overlay images.
//
// The engine taps a convolutional feature map, differentiates the selected
// class score against it, weights each channel by its mean gradient, and
// projects the rectified weighted sum back onto the input image.
package gradcam

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/itzlutfur/x-ray-evaluator/internal/network"
)

// ErrGradient is returned when no gradient path to a usable feature map
// exists, including after the backbone-output fallback.
var ErrGradient = errors.New("gradcam: gradient computation failed")

const normEpsilon = 1e-8

// Options controls target selection and rendering.
type Options struct {
	// TargetLayer overrides automatic feature layer introspection.
	TargetLayer string

	// ClassIndex selects the score to attribute. Nil means the maximum
	// class, or for single-output heads whichever side of the decision
	// boundary the prediction landed on. For a single-output head, index 1
	// scores the raw value and any other index its complement.
	ClassIndex *int

	// Alpha is the heatmap weight in the overlay blend. Zero means the
	// default of 0.35.
	Alpha float64

	// Colormap applied to the normalized map. Zero value is the jet map.
	Colormap gocv.ColormapTypes
}

// Result is a computed saliency map with its rendered artifacts.
type Result struct {
	// Map is the normalized saliency in [0,1], row-major at the feature
	// map's spatial resolution.
	Map    []float32
	Width  int
	Height int

	// LayerName is the activation actually attributed against, which may be
	// the backbone output when the inner tap had no gradient path.
	LayerName string

	HeatmapPNG []byte
	OverlayPNG []byte
}

// Compute runs Grad-CAM for one preprocessed input against the given network
// and renders the artifacts at the original image's resolution. The original
// mat must be 8-bit RGB.
func Compute(net *network.Network, nchw []float32, original gocv.Mat, opts Options) (*Result, error) {
	feature, err := resolveTarget(net, opts.TargetLayer)
	if err != nil {
		return nil, err
	}

	// A plain forward pass decides the single-output attribution side
	// before the gradient graph is built.
	rows, err := net.Predict(nchw)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("gradcam: network %s produced %d output rows, want 1", net.Name, len(rows))
	}
	row := rows[0]

	layerName := feature.Layer.Name
	act, grad, shape, err := saliencyValues(net, nchw, layerName, row, opts.ClassIndex)
	if err != nil && feature.Backbone != nil {
		// Nested backbones can hide the inner tap from the gradient tape;
		// fall back to attributing against the backbone's own output.
		layerName = feature.Backbone.Name
		act, grad, shape, err = saliencyValues(net, nchw, layerName, row, opts.ClassIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGradient, err)
	}

	camH, camW := shape[2], shape[3]
	cam := channelWeightedMap(act, grad, shape[1], camH*camW)

	mapped := make([]float32, len(cam))
	for i, v := range cam {
		mapped[i] = float32(v)
	}

	alpha := opts.Alpha
	if alpha == 0 {
		alpha = 0.35
	}
	colormap := opts.Colormap
	if colormap == 0 {
		colormap = gocv.ColormapJet
	}

	heat, overlay, err := render(mapped, camW, camH, original, alpha, colormap)
	if err != nil {
		return nil, err
	}

	return &Result{
		Map:        mapped,
		Width:      camW,
		Height:     camH,
		LayerName:  layerName,
		HeatmapPNG: heat,
		OverlayPNG: overlay,
	}, nil
}

func resolveTarget(net *network.Network, override string) (FeatureLayer, error) {
	if override == "" {
		return FindFeatureLayer(net)
	}
	l := net.FindLayer(override)
	if l == nil {
		return FeatureLayer{}, fmt.Errorf("%w: %s", network.ErrLayerNotFound, override)
	}
	return FeatureLayer{Layer: l, Backbone: findBackbone(net)}, nil
}

// saliencyValues runs the two-graph attribution: a forward graph from the
// network input to the tapped activation, then a head graph in which that
// activation is the graph input and the selected score is differentiated
// against it. The split is what makes the gradient legal: the autodiff only
// differentiates with respect to input nodes, and inside a single full graph
// the tapped activation is an op output.
func saliencyValues(net *network.Network, nchw []float32, tap string, row []float32, classIndex *int) ([]float32, []float32, tensor.Shape, error) {
	fwd, err := net.Compile(tap)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := fwd.BindInput(nchw); err != nil {
		return nil, nil, nil, err
	}
	machine := G.NewTapeMachine(fwd.Graph)
	defer machine.Close()
	if err := machine.RunAll(); err != nil {
		return nil, nil, nil, err
	}

	act, err := nodeFloats(fwd.Activation)
	if err != nil {
		return nil, nil, nil, err
	}
	shape := fwd.Activation.Shape()
	if len(shape) != 4 {
		return nil, nil, nil, fmt.Errorf("tapped activation rank %d, want 4", len(shape))
	}

	head, err := net.CompileFrom(tap)
	if err != nil {
		return nil, nil, nil, err
	}
	score, err := scoreNode(head.Output, row, classIndex)
	if err != nil {
		return nil, nil, nil, err
	}
	grads, err := G.Grad(score, head.Input)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := head.BindInput(act); err != nil {
		return nil, nil, nil, err
	}

	headMachine := G.NewTapeMachine(head.Graph)
	defer headMachine.Close()
	if err := headMachine.RunAll(); err != nil {
		return nil, nil, nil, err
	}

	grad, err := nodeFloats(grads[0])
	if err != nil {
		return nil, nil, nil, err
	}
	return act, grad, shape, nil
}

// scoreNode builds the scalar whose gradient drives the attribution. Single
// outputs carry the non-fracture probability, so a requested class index of
// 1 scores the raw value and any other index its complement; without an
// index, the pre-computed forward row picks the predicted side of the
// boundary.
func scoreNode(out *G.Node, row []float32, classIndex *int) (*G.Node, error) {
	width := len(row)

	switch {
	case width == 1:
		p, err := G.Slice(out, G.S(0), G.S(0))
		if err != nil {
			return nil, err
		}
		keepRaw := row[0] >= 0.5
		if classIndex != nil {
			keepRaw = *classIndex == 1
		}
		if keepRaw {
			return p, nil
		}
		one := G.NewScalar(out.Graph(), tensor.Float32, G.WithValue(float32(1)))
		return G.Sub(one, p)

	case classIndex != nil:
		idx := *classIndex
		if idx < 0 || idx >= width {
			return nil, fmt.Errorf("class index %d out of range for %d outputs", idx, width)
		}
		return G.Slice(out, G.S(0), G.S(idx))

	default:
		m, err := G.Max(out, 1)
		if err != nil {
			return nil, err
		}
		return G.Sum(m)
	}
}

func nodeFloats(n *G.Node) ([]float32, error) {
	v := n.Value()
	if v == nil {
		return nil, fmt.Errorf("node %s has no value", n.Name())
	}
	data, ok := v.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("node %s holds %T, want []float32", n.Name(), v.Data())
	}
	out := make([]float32, len(data))
	copy(out, data)
	return out, nil
}

// channelWeightedMap combines the activation and its gradient into a
// normalized saliency map: each channel is weighted by its mean gradient,
// the weighted sum is rectified, then scaled into [0,1].
func channelWeightedMap(act, grad []float32, channels, spatial int) []float64 {
	cam := make([]float64, spatial)

	for c := 0; c < channels; c++ {
		off := c * spatial

		var sum float64
		for i := 0; i < spatial; i++ {
			sum += float64(grad[off+i])
		}
		weight := sum / float64(spatial)

		for i := 0; i < spatial; i++ {
			cam[i] += weight * float64(act[off+i])
		}
	}

	for i, v := range cam {
		cam[i] = math.Max(v, 0)
	}
	if max := floats.Max(cam); max > 0 {
		floats.Scale(1/(max+normEpsilon), cam)
	}
	return cam
}

// render upsamples the map to the original image's resolution, colors it,
// and blends the overlay. Both artifacts are PNG-encoded.
func render(cam []float32, camW, camH int, original gocv.Mat, alpha float64, colormap gocv.ColormapTypes) ([]byte, []byte, error) {
	camMat := gocv.NewMatWithSize(camH, camW, gocv.MatTypeCV32F)
	defer camMat.Close()
	ptr, err := camMat.DataPtrFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("gradcam: map buffer: %w", err)
	}
	copy(ptr, cam)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(camMat, &resized, image.Point{X: original.Cols(), Y: original.Rows()}, 0, 0, gocv.InterpolationLinear)
	resized.MultiplyFloat(255)

	scaled := gocv.NewMat()
	defer scaled.Close()
	resized.ConvertTo(&scaled, gocv.MatTypeCV8U)

	heat := gocv.NewMat()
	defer heat.Close()
	gocv.ApplyColorMap(scaled, &heat, colormap)

	// The colormap output is BGR; bring the original into the same order
	// before blending so both encode directly.
	origBGR := gocv.NewMat()
	defer origBGR.Close()
	gocv.CvtColor(original, &origBGR, gocv.ColorRGBToBGR)

	overlay := gocv.NewMat()
	defer overlay.Close()
	gocv.AddWeighted(heat, alpha, origBGR, 1-alpha, 0, &overlay)

	heatPNG, err := encodePNG(heat)
	if err != nil {
		return nil, nil, err
	}
	overlayPNG, err := encodePNG(overlay)
	if err != nil {
		return nil, nil, err
	}
	return heatPNG, overlayPNG, nil
}

func encodePNG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.PNGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("gradcam: encode png: %w", err)
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}
