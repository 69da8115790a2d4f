// Package preprocess converts a decoded raster into the tensor layout the
// trained networks expect. The transform order and scalar constants match
// the training pipeline exactly; changing either invalidates the weights.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// ErrBadChannels is returned when the input raster is not 3-channel.
var ErrBadChannels = errors.New("expected a 3-channel RGB raster")

// Params holds the preprocessing constants the networks were trained with.
type Params struct {
	// Gamma is the correction exponent denominator: pixels are raised to
	// 1/Gamma, brightening midtones so cortical edges stay visible.
	Gamma float64

	// CLAHEClip and CLAHETile configure the tiled local contrast
	// enhancement applied before gamma correction.
	CLAHEClip float64
	CLAHETile int

	// TargetSize is the square model input resolution.
	TargetSize int
}

// DefaultParams returns the training-time preprocessing constants.
func DefaultParams() Params {
	return Params{
		Gamma:      1.2,
		CLAHEClip:  2.0,
		CLAHETile:  8,
		TargetSize: 224,
	}
}

// Tensor is the fixed-shape model input produced by ForModel. HWC holds
// TargetSize×TargetSize×3 float32 values in the 0–255 range (the networks
// apply their own internal rescaling). Pixels are stored row-major with the
// single enhanced channel replicated three-fold.
type Tensor struct {
	Size int
	HWC  []float32
}

// NCHW returns the tensor data rearranged to batch-1 NCHW layout for graph
// execution.
func (t *Tensor) NCHW() []float32 {
	n := t.Size * t.Size
	out := make([]float32, 3*n)
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			for c := 0; c < 3; c++ {
				out[c*n+y*t.Size+x] = t.HWC[(y*t.Size+x)*3+c]
			}
		}
	}
	return out
}

// ForModel applies the deterministic raster-to-tensor transform:
// grayscale → CLAHE → [0,1] → gamma 1/Gamma → area resize → replicate to
// 3 channels → ×255. Pure: fails only for a non-3-channel input.
func ForModel(rgb gocv.Mat, p Params) (*Tensor, error) {
	if rgb.Empty() || rgb.Channels() != 3 {
		return nil, ErrBadChannels
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	// Local contrast enhancement. X-ray bone detail lives in narrow local
	// intensity bands that global equalization washes out.
	clahe := gocv.NewCLAHEWithParams(p.CLAHEClip, image.Point{X: p.CLAHETile, Y: p.CLAHETile})
	defer clahe.Close()
	enhanced := gocv.NewMat()
	defer enhanced.Close()
	clahe.Apply(gray, &enhanced)

	// Normalize to [0,1] and gamma-correct.
	f32 := gocv.NewMat()
	defer f32.Close()
	enhanced.ConvertTo(&f32, gocv.MatTypeCV32F)
	f32.DivideFloat(255.0)

	data, err := f32.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("preprocess: raw access: %w", err)
	}
	exp := 1.0 / p.Gamma
	for i := range data {
		v := float64(data[i])
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		data[i] = float32(math.Pow(v, exp))
	}

	// Area interpolation for the downscale to model resolution.
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(f32, &resized, image.Point{X: p.TargetSize, Y: p.TargetSize},
		0, 0, gocv.InterpolationArea)

	rdata, err := resized.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("preprocess: raw access: %w", err)
	}

	out := make([]float32, p.TargetSize*p.TargetSize*3)
	for i, v := range rdata {
		s := v * 255.0
		out[i*3+0] = s
		out[i*3+1] = s
		out[i*3+2] = s
	}

	return &Tensor{Size: p.TargetSize, HWC: out}, nil
}
