package api

// ModelsResponse is the payload for GET {prefix}/inference/models.
type ModelsResponse struct {
	Models []string `json:"models"`
}

// ValidationResponse reports the validity gate's verdict with its diagnostic
// metrics, returned for both accepted and rejected uploads.
type ValidationResponse struct {
	Message string         `json:"message"`
	Reasons []string       `json:"reasons"`
	Metrics map[string]any `json:"metrics"`
}

// GradcamResponse carries the saliency artifacts as base64 PNG payloads.
// The payload fields are null when the branch failed.
type GradcamResponse struct {
	HeatmapPNGB64 *string `json:"heatmap_png_b64"`
	OverlayPNGB64 *string `json:"overlay_png_b64"`
	Status        string  `json:"status"`
	Message       string  `json:"message"`
}

// PredictResponse is the payload for POST {prefix}/inference/predict.
// Prediction fields are null when the upload was rejected by the gate.
type PredictResponse struct {
	Model      string             `json:"model"`
	Valid      bool               `json:"valid"`
	Validation ValidationResponse `json:"validation"`

	Prediction  *string          `json:"prediction"`
	Confidence  *float64         `json:"confidence"`
	Warnings    []string         `json:"warnings"`
	Explanation *string          `json:"explanation"`
	Gradcam     *GradcamResponse `json:"gradcam"`
	Disclaimer  string           `json:"disclaimer"`
}

// HealthResponse is the payload for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Detail string `json:"detail"`
}
