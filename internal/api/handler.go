package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/itzlutfur/x-ray-evaluator/internal/imageio"
	"github.com/itzlutfur/x-ray-evaluator/internal/inference"
	"github.com/itzlutfur/x-ray-evaluator/internal/registry"
)

// maxUploadBytes bounds the in-memory portion of multipart parsing.
const maxUploadBytes = 32 << 20

// Predictor is the inference surface the handler serves.
type Predictor interface {
	Models() []string
	Predict(ctx context.Context, data []byte, modelName string, consentStore bool) (*inference.Result, error)
}

// Handler is the HTTP handler for the inference endpoints.
type Handler struct {
	svc    Predictor
	prefix string
	log    *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler serving under the given API prefix and registers all
// routes.
func New(svc Predictor, prefix string, log *slog.Logger) http.Handler {
	h := &Handler{svc: svc, prefix: prefix, log: log, mux: http.NewServeMux()}

	h.mux.HandleFunc("/healthz", h.health)
	h.mux.HandleFunc(prefix+"/inference/models", h.models)
	h.mux.HandleFunc(prefix+"/inference/predict", h.predict)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /healthz — liveness only, no model state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// models returns GET {prefix}/inference/models — the supported model names.
func (h *Handler) models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, ModelsResponse{Models: h.svc.Models()})
}

// predict handles POST {prefix}/inference/predict — multipart form with the
// image under "file", plus "model_name" and an optional "consent_store" flag.
func (h *Handler) predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	modelName := r.FormValue("model_name")
	if !h.isSupported(modelName) {
		jsonErr(w, http.StatusBadRequest, "Unsupported model. Choose one from /models.")
		return
	}

	consent := false
	if v := r.FormValue("consent_store"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			jsonErr(w, http.StatusBadRequest, "consent_store must be a boolean")
			return
		}
		consent = parsed
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "missing file upload")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "unreadable file upload")
		return
	}

	res, err := h.svc.Predict(r.Context(), data, modelName, consent)
	if err != nil {
		code := http.StatusInternalServerError
		if isClientFault(err) {
			code = http.StatusBadRequest
		}
		h.log.Error("predict failed", "model", modelName, "status", code, "error", err)
		jsonErr(w, code, err.Error())
		return
	}

	jsonResp(w, http.StatusOK, toPredictResponse(res))
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) isSupported(name string) bool {
	for _, m := range h.svc.Models() {
		if m == name {
			return true
		}
	}
	return false
}

// isClientFault classifies pipeline errors the caller can fix by changing
// the request.
func isClientFault(err error) bool {
	return errors.Is(err, imageio.ErrEmpty) ||
		errors.Is(err, imageio.ErrNotImage) ||
		errors.Is(err, registry.ErrUnknownModel)
}

// toPredictResponse maps a pipeline result to its JSON representation.
// Rejected uploads keep the prediction fields null.
func toPredictResponse(res *inference.Result) PredictResponse {
	out := PredictResponse{
		Model: res.Model,
		Valid: res.Valid,
		Validation: ValidationResponse{
			Message: res.Validation.Message,
			Reasons: emptyIfNil(res.Validation.Reasons),
			Metrics: res.Validation.Metrics,
		},
		Warnings:   emptyIfNil(res.Warnings),
		Disclaimer: res.Disclaimer,
	}
	if !res.Valid {
		return out
	}

	out.Prediction = &res.Prediction
	out.Confidence = &res.Confidence
	out.Explanation = &res.Explanation
	out.Gradcam = &GradcamResponse{
		HeatmapPNGB64: b64PNG(res.Saliency.HeatmapPNG),
		OverlayPNGB64: b64PNG(res.Saliency.OverlayPNG),
		Status:        res.Saliency.Status,
		Message:       res.Saliency.Message,
	}
	return out
}

func b64PNG(data []byte) *string {
	if len(data) == 0 {
		return nil
	}
	s := base64.StdEncoding.EncodeToString(data)
	return &s
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Detail: msg})
}
