// Package api implements the HTTP REST API for the inference server.
//
// New(svc, prefix, log) returns an http.Handler that serves:
//
//	GET  /healthz                      — liveness probe
//	GET  {prefix}/inference/models     — supported model names
//	POST {prefix}/inference/predict    — multipart prediction request
//
// The predict endpoint accepts a multipart form with the image bytes under
// "file", the model under "model_name", and an optional "consent_store"
// boolean. Rejected uploads return 200 with valid=false and the gate's
// reasons; client faults (bad upload, unknown model) return 400, pipeline
// failures 500.
//
// WithMiddleware adds CORS, an X-Process-Time-Ms response header, and access
// logging around the handler. JSON types are defined in types.go. No external
// HTTP framework is used.
package api
