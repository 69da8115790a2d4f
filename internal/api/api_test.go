package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itzlutfur/x-ray-evaluator/internal/imageio"
	"github.com/itzlutfur/x-ray-evaluator/internal/inference"
	"github.com/itzlutfur/x-ray-evaluator/internal/validity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubService struct {
	models []string
	res    *inference.Result
	err    error

	gotModel   string
	gotConsent bool
}

func (s *stubService) Models() []string { return s.models }

func (s *stubService) Predict(ctx context.Context, data []byte, modelName string, consentStore bool) (*inference.Result, error) {
	s.gotModel = modelName
	s.gotConsent = consentStore
	return s.res, s.err
}

func okResult() *inference.Result {
	return &inference.Result{
		Model: "ResNet50",
		Valid: true,
		Validation: validity.Result{
			Valid:   true,
			Message: "Image accepted as X-ray-like.",
			Metrics: map[string]any{"height": 300},
		},
		Prediction:  inference.LabelFracture,
		Confidence:  0.8,
		Probability: 0.8,
		Explanation: "focus regions",
		Saliency: inference.Saliency{
			Status:     inference.SaliencyOK,
			Message:    `Grad-CAM computed using layer "conv5".`,
			HeatmapPNG: []byte{1, 2},
			OverlayPNG: []byte{3, 4},
		},
		Disclaimer: "research use only",
	}
}

func newTestHandler(svc *stubService) http.Handler {
	return New(svc, "/api/v1", discardLogger())
}

// multipartBody builds a predict request body with the given form fields.
func multipartBody(t *testing.T, file []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if file != nil {
		fw, err := mw.CreateFormFile("file", "scan.png")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(&stubService{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestModels(t *testing.T) {
	h := newTestHandler(&stubService{models: []string{"DenseNet121", "ResNet50"}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/inference/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp ModelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Models) != 2 || resp.Models[0] != "DenseNet121" {
		t.Errorf("models = %v", resp.Models)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/inference/models", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestPredict(t *testing.T) {
	svc := &stubService{models: []string{"ResNet50"}, res: okResult()}
	h := newTestHandler(svc)

	body, ctype := multipartBody(t, []byte("png bytes"), map[string]string{
		"model_name":    "ResNet50",
		"consent_store": "true",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inference/predict", body)
	req.Header.Set("Content-Type", ctype)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.gotModel != "ResNet50" || !svc.gotConsent {
		t.Errorf("service got model=%q consent=%v", svc.gotModel, svc.gotConsent)
	}

	var resp PredictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Valid {
		t.Fatal("valid = false")
	}
	if resp.Prediction == nil || *resp.Prediction != inference.LabelFracture {
		t.Errorf("prediction = %v, want Fracture", resp.Prediction)
	}
	if resp.Confidence == nil || *resp.Confidence != 0.8 {
		t.Errorf("confidence = %v, want 0.8", resp.Confidence)
	}
	if resp.Gradcam == nil || resp.Gradcam.Status != inference.SaliencyOK {
		t.Fatalf("gradcam = %+v", resp.Gradcam)
	}
	if resp.Gradcam.HeatmapPNGB64 == nil || *resp.Gradcam.HeatmapPNGB64 != "AQI=" {
		t.Errorf("heatmap b64 = %v, want AQI=", resp.Gradcam.HeatmapPNGB64)
	}
	if resp.Warnings == nil {
		t.Error("warnings should encode as an empty list, not null")
	}
}

func TestPredictRejectedUpload(t *testing.T) {
	svc := &stubService{
		models: []string{"ResNet50"},
		res: &inference.Result{
			Model: "ResNet50",
			Valid: false,
			Validation: validity.Result{
				Message: "Image rejected: does not look like an X-ray.",
				Reasons: []string{validity.ReasonNaturalPhoto},
				Metrics: map[string]any{"height": 300},
			},
		},
	}
	h := newTestHandler(svc)

	body, ctype := multipartBody(t, []byte("png bytes"), map[string]string{"model_name": "ResNet50"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inference/predict", body)
	req.Header.Set("Content-Type", ctype)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a gate rejection", rec.Code)
	}
	var resp PredictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Valid {
		t.Fatal("valid = true")
	}
	if resp.Prediction != nil || resp.Confidence != nil || resp.Gradcam != nil {
		t.Errorf("prediction fields should be null on rejection: %+v", resp)
	}
	if len(resp.Validation.Reasons) != 1 {
		t.Errorf("reasons = %v", resp.Validation.Reasons)
	}
}

func TestPredictBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		file   []byte
		fields map[string]string
	}{
		{"unsupported model", []byte("x"), map[string]string{"model_name": "AlexNet"}},
		{"missing model", []byte("x"), map[string]string{}},
		{"missing file", nil, map[string]string{"model_name": "ResNet50"}},
		{"bad consent flag", []byte("x"), map[string]string{"model_name": "ResNet50", "consent_store": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubService{models: []string{"ResNet50"}, res: okResult()})

			body, ctype := multipartBody(t, tt.file, tt.fields)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/inference/predict", body)
			req.Header.Set("Content-Type", ctype)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestPredictErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"undecodable image", imageio.ErrNotImage, http.StatusBadRequest},
		{"empty upload", imageio.ErrEmpty, http.StatusBadRequest},
		{"pipeline failure", errors.New("checkpoint corrupt"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(&stubService{models: []string{"ResNet50"}, err: tt.err})

			body, ctype := multipartBody(t, []byte("x"), map[string]string{"model_name": "ResNet50"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/inference/predict", body)
			req.Header.Set("Content-Type", ctype)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	h := WithMiddleware(newTestHandler(&stubService{}), []string{"http://localhost:5173"}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Header().Get("X-Process-Time-Ms") == "" {
		t.Error("X-Process-Time-Ms header missing")
	}

	// Preflight.
	req = httptest.NewRequest(http.MethodOptions, "/api/v1/inference/predict", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}

	// Disallowed origin gets no CORS headers.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS header set for disallowed origin")
	}
}
