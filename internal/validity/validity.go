// Package validity implements the heuristic gate that decides whether an
// uploaded raster plausibly is a projection X-ray before any model runs.
//
// Without a trained modality classifier this is a best-effort filter: it
// rejects clearly invalid inputs (natural photos, extremely low quality,
// typical CT slice appearance) and is allowed false accepts/rejects.
package validity

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// Rejection reasons. Each failed check appends exactly one of these; the
// raster is valid iff no reason was recorded.
const (
	ReasonBadChannels   = "Unsupported channel layout"
	ReasonLowResolution = "Image resolution is too low for reliable assessment"
	ReasonLowContrast   = "Image contrast is extremely low"
	ReasonBlurry        = "Image appears blurry or out of focus"
	ReasonNaturalPhoto  = "Image appears to be a natural/color photograph rather than an X-ray"
	ReasonCTLike        = "Image resembles a CT/MRI slice rather than a projection X-ray"
	ReasonLowStructure  = "Image contains too little structural detail"
	ReasonHighTexture   = "Image contains excessive texture/detail and may be non-X-ray"
)

// Human-readable summary lines.
const (
	msgValid   = "Valid bone X-ray detected."
	msgInvalid = "This image does not appear to be a valid bone X-ray. Please upload a clear X-ray image."
)

// Result is the gate outcome. Metrics carries every computed diagnostic for
// observability regardless of the verdict; it is empty only when the raster
// was rejected up front for a malformed channel layout.
type Result struct {
	Valid   bool           `json:"valid"`
	Message string         `json:"message"`
	Reasons []string       `json:"reasons"`
	Metrics map[string]any `json:"metrics"`
}

// Check scores an RGB raster against the X-ray likeness heuristics.
// All checks run as an AND: every failed check contributes a reason and the
// raster is valid only when the reason list is empty. Never panics for a
// well-formed 3-channel 8-bit raster.
func Check(rgb gocv.Mat, p Params) Result {
	reasons := []string{}
	metrics := map[string]any{}

	if rgb.Empty() || rgb.Channels() != 3 {
		return Result{
			Valid:   false,
			Message: msgInvalid,
			Reasons: []string{ReasonBadChannels},
			Metrics: metrics,
		}
	}

	h, w := rgb.Rows(), rgb.Cols()
	metrics["height"] = h
	metrics["width"] = w

	if h < p.MinSidePixels || w < p.MinSidePixels {
		reasons = append(reasons, ReasonLowResolution)
	}

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(rgb, &gray, gocv.ColorRGBToGray)

	// Basic corruption / dynamic range checks.
	meanScalar, stdScalar := gray.MeanStdDev()
	meanIntensity := meanScalar.Val1
	stdIntensity := stdScalar.Val1
	metrics["mean_intensity"] = meanIntensity
	metrics["std_intensity"] = stdIntensity

	if stdIntensity < p.MinStdIntensity {
		reasons = append(reasons, ReasonLowContrast)
	}

	// Blur check: variance of the Laplacian edge response.
	lapVar := laplacianVariance(gray)
	metrics["laplacian_variance"] = lapVar
	if lapVar < p.MinLaplacianVariance {
		reasons = append(reasons, ReasonBlurry)
	}

	// Colorfulness: X-rays are grayscale, natural photos are not. Require
	// joint evidence from saturation and inter-channel disagreement.
	satMean := saturationMean(rgb)
	metrics["saturation_mean"] = satMean

	channelDiff := channelDiffMean(rgb)
	metrics["channel_diff_mean"] = channelDiff

	if satMean > p.MaxSaturationMean && channelDiff > p.MaxChannelDiff {
		reasons = append(reasons, ReasonNaturalPhoto)
	}

	// CT slice heuristic: a strong circular body boundary near image center.
	ctLike := looksLikeCTSlice(gray, p.CT)
	metrics["ct_like"] = ctLike
	if ctLike {
		reasons = append(reasons, ReasonCTLike)
	}

	// Bone-like structural edge density.
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, p.CannyLow, p.CannyHigh)
	edgeDensity := float64(gocv.CountNonZero(edges)) / float64(h*w)
	metrics["edge_density"] = edgeDensity

	// The floor adapts: grayscale-like images get a lower base, and sharp or
	// high-contrast images get a looser floor on top of that.
	grayscaleLike := satMean < p.GrayscaleSaturationMax && channelDiff < p.GrayscaleChannelDiff
	minEdgeDensity := p.MinEdgeDensity
	if grayscaleLike {
		minEdgeDensity = p.MinEdgeDensityGrayscale
	}
	if lapVar > p.SharpLaplacianVariance || stdIntensity > p.SharpStdIntensity {
		minEdgeDensity *= p.SharpEdgeFloorFactor
	}
	metrics["edge_density_threshold"] = minEdgeDensity

	if edgeDensity < minEdgeDensity {
		reasons = append(reasons, ReasonLowStructure)
	}
	if edgeDensity > p.MaxEdgeDensity {
		reasons = append(reasons, ReasonHighTexture)
	}

	metrics["bright_ratio"] = brightRatio(gray, p.BrightThreshold)

	valid := len(reasons) == 0
	msg := msgValid
	if !valid {
		msg = msgInvalid
	}

	return Result{
		Valid:   valid,
		Message: msg,
		Reasons: reasons,
		Metrics: metrics,
	}
}

// laplacianVariance measures sharpness as the variance of the Laplacian
// response over the grayscale raster.
func laplacianVariance(gray gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	_, std := lap.MeanStdDev()
	return std.Val1 * std.Val1
}

// saturationMean returns the mean of the HSV saturation channel.
func saturationMean(rgb gocv.Mat) float64 {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(rgb, &hsv, gocv.ColorRGBToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	return channels[1].Mean().Val1
}

// channelDiffMean returns the mean pairwise absolute difference between the
// three color channels. Near zero for grayscale content.
func channelDiffMean(rgb gocv.Mat) float64 {
	channels := gocv.Split(rgb)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	var total float64
	pairs := [][2]int{{0, 1}, {1, 2}, {0, 2}}
	for _, pair := range pairs {
		diff := gocv.NewMat()
		gocv.AbsDiff(channels[pair[0]], channels[pair[1]], &diff)
		total += diff.Mean().Val1
		diff.Close()
	}
	return total / 3.0
}

// brightRatio returns the fraction of pixels strictly brighter than threshold.
func brightRatio(gray gocv.Mat, threshold float32) float64 {
	bright := gocv.NewMat()
	defer bright.Close()
	gocv.Threshold(gray, &bright, threshold, 255, gocv.ThresholdBinary)
	return float64(gocv.CountNonZero(bright)) / float64(gray.Rows()*gray.Cols())
}

// looksLikeCTSlice reports whether the raster shows the strong circular body
// boundary typical of an axial CT/MRI slice. Works on a downscaled copy for
// speed; circles are confirmed by sampling edge pixels along their
// circumference so that spurious Hough responses do not flag the image.
func looksLikeCTSlice(gray gocv.Mat, p CTParams) bool {
	h, w := gray.Rows(), gray.Cols()

	small := gray
	scale := p.DownscaleLongEdge / float64(maxInt(h, w))
	if scale < 1.0 {
		scaled := gocv.NewMat()
		gocv.Resize(gray, &scaled, image.Point{X: int(float64(w) * scale), Y: int(float64(h) * scale)},
			0, 0, gocv.InterpolationArea)
		defer scaled.Close()
		small = scaled
	}

	minDim := float64(minInt(small.Rows(), small.Cols()))

	blur := gocv.NewMat()
	defer blur.Close()
	gocv.GaussianBlur(small, &blur, image.Point{X: 5, Y: 5}, 1.0, 1.0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blur, &edges, p.CannyLow, p.CannyHigh)

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(blur, &circles, gocv.HoughGradient,
		p.HoughDP, minDim/3.0,
		p.HoughParam1, p.HoughParam2,
		int(minDim*p.MinRadiusFrac), int(minDim*p.MaxRadiusFrac))

	if circles.Empty() || circles.Cols() == 0 {
		return false
	}

	cx0 := float64(small.Cols()) / 2.0
	cy0 := float64(small.Rows()) / 2.0

	n := circles.Cols()
	if n > p.MaxCandidates {
		n = p.MaxCandidates
	}

	for i := 0; i < n; i++ {
		x := float64(circles.GetFloatAt(0, i*3))
		y := float64(circles.GetFloatAt(0, i*3+1))
		r := float64(circles.GetFloatAt(0, i*3+2))

		dist := math.Hypot(x-cx0, y-cy0)
		if dist >= p.CenterDistFrac*minDim || r <= p.QualifyRadiusFrac*minDim {
			continue
		}

		// Require substantial edge support along the circumference.
		mask := gocv.NewMatWithSize(edges.Rows(), edges.Cols(), gocv.MatTypeCV8U)
		gocv.Circle(&mask, image.Point{X: int(math.Round(x)), Y: int(math.Round(y))}, int(math.Round(r)),
			color.RGBA{R: 255, G: 255, B: 255, A: 255}, p.CircleThickness)

		onCircle := gocv.NewMat()
		gocv.BitwiseAnd(edges, mask, &onCircle)

		circumference := gocv.CountNonZero(mask)
		edgeHits := gocv.CountNonZero(onCircle)
		mask.Close()
		onCircle.Close()

		if circumference > 0 && float64(edgeHits)/float64(circumference) > p.MinCircumferenceEdgeFrac {
			return true
		}
	}

	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
