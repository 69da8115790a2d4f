package gradcam

import (
	"errors"

	"github.com/itzlutfur/x-ray-evaluator/internal/network"
)

// ErrNoFeatureLayer is returned when a network exposes no convolutional
// feature map to attribute against.
var ErrNoFeatureLayer = errors.New("gradcam: no convolutional feature layer found")

// FeatureLayer is the saliency tap point selected by introspection.
// Backbone is non-nil when the tap sits inside a nested sub-network, which
// changes how the gradient graph is reconstructed and which fallback exists.
type FeatureLayer struct {
	Layer    *network.Layer
	Backbone *network.Layer
}

// FindFeatureLayer locates the activation to attribute against, without any
// per-model configuration. Trained checkpoints vary: some are flat stacks of
// convolutions, others wrap a backbone trunk inside a classification head.
//
// The search prefers the last conv-family layer inside the last top-level
// nested sub-network producing a 4-D feature map; failing that, the last
// top-level conv-family layer.
func FindFeatureLayer(net *network.Network) (FeatureLayer, error) {
	backbone := findBackbone(net)

	if backbone != nil {
		for i := len(backbone.Sub) - 1; i >= 0; i-- {
			if backbone.Sub[i].IsConvFamily() {
				return FeatureLayer{Layer: backbone.Sub[i], Backbone: backbone}, nil
			}
		}
	}

	for i := len(net.Layers) - 1; i >= 0; i-- {
		if net.Layers[i].IsConvFamily() {
			return FeatureLayer{Layer: net.Layers[i]}, nil
		}
	}

	return FeatureLayer{}, ErrNoFeatureLayer
}

// findBackbone returns the last top-level nested model whose output is a 4-D
// feature map, or nil when the network is flat.
func findBackbone(net *network.Network) *network.Layer {
	for i := len(net.Layers) - 1; i >= 0; i-- {
		l := net.Layers[i]
		if l.Kind == network.KindModel && l.OutputRank() == 4 {
			return l
		}
	}
	return nil
}
