package validity

// Params holds the tuned thresholds for the X-ray likeness gate. The values
// are empirically tuned against the training corpus; treat them as
// configuration, not derivable quantities.
type Params struct {
	// MinSidePixels is the minimum acceptable width and height.
	MinSidePixels int

	// MinStdIntensity rejects near-blank or corrupt images.
	MinStdIntensity float64

	// MinLaplacianVariance rejects blurred or out-of-focus images.
	MinLaplacianVariance float64

	// Natural-photo detection requires BOTH saturation and channel
	// misalignment evidence, not either alone.
	MaxSaturationMean float64
	MaxChannelDiff    float64

	// Structural edge density acceptance band.
	MinEdgeDensity          float64 // base floor
	MinEdgeDensityGrayscale float64 // floor when the image is grayscale-like
	SharpEdgeFloorFactor    float64 // floor multiplier for sharp/high-contrast images
	MaxEdgeDensity          float64 // texture ceiling

	// Grayscale-likeness cutoffs used when adapting the edge floor.
	GrayscaleSaturationMax float64
	GrayscaleChannelDiff   float64

	// Sharpness cutoffs that trigger the looser edge floor.
	SharpLaplacianVariance float64
	SharpStdIntensity      float64

	// Canny thresholds for the structural edge pass.
	CannyLow  float32
	CannyHigh float32

	// BrightThreshold is the intensity above which a pixel counts as bright
	// for the bright-pixel-ratio diagnostic.
	BrightThreshold float32

	// CT slice detection.
	CT CTParams
}

// CTParams tunes the CT/MRI slice heuristic (central circular body boundary).
type CTParams struct {
	// DownscaleLongEdge bounds the long edge before circle detection.
	DownscaleLongEdge float64

	// Canny thresholds on the blurred downscaled image.
	CannyLow  float32
	CannyHigh float32

	// Hough transform tuning.
	HoughDP     float64
	HoughParam1 float64
	HoughParam2 float64

	// Circle radius search range as fractions of the minor dimension.
	MinRadiusFrac float64
	MaxRadiusFrac float64

	// A circle qualifies as a body slice when its center lies within
	// CenterDistFrac of the minor dimension from image center, its radius
	// exceeds QualifyRadiusFrac of the minor dimension, and at least
	// MinCircumferenceEdgeFrac of the pixels along its circumference
	// (CircleThickness px thick) are edge pixels.
	CenterDistFrac           float64
	QualifyRadiusFrac        float64
	MinCircumferenceEdgeFrac float64
	CircleThickness          int

	// MaxCandidates bounds how many detected circles are examined.
	MaxCandidates int
}

// DefaultParams returns the gate thresholds used in production.
func DefaultParams() Params {
	return Params{
		MinSidePixels:        160,
		MinStdIntensity:      7.0,
		MinLaplacianVariance: 18.0,

		MaxSaturationMean: 24.0,
		MaxChannelDiff:    8.0,

		MinEdgeDensity:          0.004,
		MinEdgeDensityGrayscale: 0.0025,
		SharpEdgeFloorFactor:    0.6,
		MaxEdgeDensity:          0.26,

		GrayscaleSaturationMax: 20.0,
		GrayscaleChannelDiff:   7.5,

		SharpLaplacianVariance: 45.0,
		SharpStdIntensity:      30.0,

		CannyLow:  60,
		CannyHigh: 180,

		BrightThreshold: 185,

		CT: CTParams{
			DownscaleLongEdge:        512,
			CannyLow:                 60,
			CannyHigh:                160,
			HoughDP:                  1.2,
			HoughParam1:              120,
			HoughParam2:              35,
			MinRadiusFrac:            0.20,
			MaxRadiusFrac:            0.49,
			CenterDistFrac:           0.12,
			QualifyRadiusFrac:        0.25,
			MinCircumferenceEdgeFrac: 0.08,
			CircleThickness:          3,
			MaxCandidates:            3,
		},
	}
}
