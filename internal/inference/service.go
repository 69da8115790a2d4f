// Package inference orchestrates the prediction pipeline: decode, validity
// gate, preprocessing, model execution, saliency, and interpretation.
package inference

import (
	"context"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/itzlutfur/x-ray-evaluator/internal/gradcam"
	"github.com/itzlutfur/x-ray-evaluator/internal/imageio"
	"github.com/itzlutfur/x-ray-evaluator/internal/network"
	"github.com/itzlutfur/x-ray-evaluator/internal/preprocess"
	"github.com/itzlutfur/x-ray-evaluator/internal/validity"
)

// Saliency branch status values.
const (
	SaliencyOK     = "ok"
	SaliencyFailed = "failed"
)

const (
	warnNoSaliency = "⚠ Explainability (Grad-CAM) is unavailable for this prediction."

	explanationText = "The model focused primarily on high-contrast fracture regions and cortical discontinuities, " +
		"which influenced the final prediction."
)

// ModelSource resolves model names to loaded networks.
type ModelSource interface {
	Available() []string
	GetOrLoad(name string) (*network.Network, error)
}

// Options carries the tunable parts of result assembly.
type Options struct {
	ConfidenceLowThreshold float64
	Disclaimer             string
}

// Saliency is the outcome of the best-effort explainability branch.
type Saliency struct {
	Status     string
	Message    string
	HeatmapPNG []byte
	OverlayPNG []byte
}

// Result is the composite outcome of one prediction request. When Valid is
// false only Model and Validation are meaningful.
type Result struct {
	Model      string
	Valid      bool
	Validation validity.Result

	Prediction  string
	Confidence  float64
	Probability float64
	Warnings    []string
	Explanation string
	Saliency    Saliency
	Disclaimer  string
}

// Service runs the pipeline. Safe for concurrent use; requests share only
// the model source and immutable parameters.
type Service struct {
	models  ModelSource
	consent *ConsentStore
	opts    Options
	log     *slog.Logger

	validityParams   validity.Params
	preprocessParams preprocess.Params

	// Hooks around the model-dependent stages, swappable in tests.
	predictFn  func(net *network.Network, nchw []float32) ([][]float32, error)
	saliencyFn func(net *network.Network, nchw []float32, original gocv.Mat) (*gradcam.Result, error)
}

// NewService wires the pipeline with default stage parameters.
func NewService(models ModelSource, consent *ConsentStore, opts Options, log *slog.Logger) *Service {
	return &Service{
		models:           models,
		consent:          consent,
		opts:             opts,
		log:              log,
		validityParams:   validity.DefaultParams(),
		preprocessParams: preprocess.DefaultParams(),
		predictFn: func(net *network.Network, nchw []float32) ([][]float32, error) {
			return net.Predict(nchw)
		},
		saliencyFn: func(net *network.Network, nchw []float32, original gocv.Mat) (*gradcam.Result, error) {
			return gradcam.Compute(net, nchw, original, gradcam.Options{})
		},
	}
}

// Models returns the supported model names.
func (s *Service) Models() []string {
	return s.models.Available()
}

// Predict runs the full pipeline over one upload. Validation rejection is a
// normal negative outcome, not an error. The saliency branch is best-effort:
// its failure degrades the result with a warning but never drops the
// prediction.
func (s *Service) Predict(ctx context.Context, data []byte, modelName string, consentStore bool) (*Result, error) {
	img, err := imageio.Decode(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	res := &Result{Model: modelName, Disclaimer: s.opts.Disclaimer}

	res.Validation = validity.Check(img.Mat, s.validityParams)
	if !res.Validation.Valid {
		s.log.Info("upload rejected by validity gate",
			"model", modelName, "reasons", res.Validation.Reasons)
		return res, nil
	}
	res.Valid = true

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	net, err := s.models.GetOrLoad(modelName)
	if err != nil {
		return nil, err
	}

	t, err := preprocess.ForModel(img.Mat, s.preprocessParams)
	if err != nil {
		return nil, fmt.Errorf("inference: preprocess: %w", err)
	}
	nchw := t.NCHW()

	rows, err := s.predictFn(net, nchw)
	if err != nil {
		return nil, fmt.Errorf("inference: model %s: %w", modelName, err)
	}
	outcome, err := Interpret(rows, s.opts.ConfidenceLowThreshold)
	if err != nil {
		return nil, err
	}

	res.Prediction = outcome.Label
	res.Confidence = outcome.Confidence
	res.Probability = outcome.Probability
	res.Warnings = outcome.Warnings
	res.Explanation = explanationText

	res.Saliency = s.runSaliency(net, nchw, img.Mat)
	if res.Saliency.Status == SaliencyFailed {
		res.Warnings = append(res.Warnings, warnNoSaliency)
	}

	if consentStore && s.consent != nil {
		if _, err := s.consent.Save(img.Mat, res.Prediction, res.Confidence, modelName); err != nil {
			s.log.Error("consent store failed", "error", err)
		}
	}

	return res, nil
}

func (s *Service) runSaliency(net *network.Network, nchw []float32, original gocv.Mat) (sal Saliency) {
	// The graph and image libraries panic on unexpected shapes; any failure
	// inside this branch must degrade the result, never the request.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("saliency computation panicked", "model", net.Name, "panic", r)
			sal = Saliency{
				Status:  SaliencyFailed,
				Message: "Grad-CAM could not be generated.",
			}
		}
	}()

	gc, err := s.saliencyFn(net, nchw, original)
	if err != nil {
		s.log.Warn("saliency computation failed", "model", net.Name, "error", err)
		return Saliency{
			Status:  SaliencyFailed,
			Message: "Grad-CAM could not be generated.",
		}
	}
	return Saliency{
		Status:     SaliencyOK,
		Message:    fmt.Sprintf("Grad-CAM computed using layer %q.", gc.LayerName),
		HeatmapPNG: gc.HeatmapPNG,
		OverlayPNG: gc.OverlayPNG,
	}
}
