package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"forestserve/monitoring"
	"forestserve/predictor"
)

type handlers struct {
	service *predictor.Service
	metrics *monitoring.Metrics
	feed    *monitoring.Hub
	logger  *zap.Logger
}

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// RegisterHandlers mounts the prediction API on mux.
func RegisterHandlers(mux *http.ServeMux, deps Deps) {
	h := &handlers{
		service: deps.Service,
		metrics: deps.Metrics,
		feed:    deps.Feed,
		logger:  deps.Logger,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	h.handle(mux, "GET /health", "/health", h.handleHealth)
	h.handle(mux, "GET /ready", "/ready", h.handleReady)
	h.handle(mux, "GET /model", "/model", h.handleModel)
	h.handle(mux, "POST /predict", "/predict", h.handlePredict)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	if h.feed != nil {
		mux.HandleFunc("GET /ws/predictions", h.feed.ServeWS)
	}
}

// handle registers fn and records its status and latency under route.
func (h *handlers) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	if h.metrics == nil {
		mux.HandleFunc(pattern, fn)
		return
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := GetStartTime(r.Context())
		if start.IsZero() {
			start = time.Now()
		}
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		fn(wrapped, r)
		h.metrics.ObserveRequest(r.Method, route, wrapped.statusCode, time.Since(start))
	})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	status := h.service.Status()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.service.Metadata()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, predictor.ErrModelUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	value, err := readValue(r)
	if err != nil {
		h.fail(w, monitoring.FailureValidation, statusFor(err), err.Error())
		return
	}

	pred, err := h.service.Predict(r.Context(), value)
	switch {
	case err == nil:
	case errors.Is(err, predictor.ErrModelUnavailable):
		h.fail(w, monitoring.FailureUnavailable, http.StatusServiceUnavailable, predictor.ErrModelUnavailable.Error())
		return
	case errors.Is(err, predictor.ErrInvalidInput):
		h.fail(w, monitoring.FailureValidation, http.StatusBadRequest, err.Error())
		return
	default:
		h.logger.Error("inference failed", zap.String("request_id", requestID), zap.Float64("value", value), zap.Error(err))
		h.fail(w, monitoring.FailureInference, http.StatusInternalServerError, "inference failed")
		return
	}

	if h.metrics != nil {
		h.metrics.ObservePrediction(pred.Label)
	}
	if h.feed != nil {
		event := monitoring.PredictionEvent{
			RequestID:  requestID,
			Value:      value,
			Label:      pred.Label,
			Confidence: pred.Confidence,
			Timestamp:  time.Now().UTC(),
		}
		if err := h.feed.Publish(monitoring.PredictionMessage, event); err != nil {
			h.logger.Warn("failed to publish prediction", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"prediction": pred.Label})
}

func (h *handlers) fail(w http.ResponseWriter, kind string, code int, msg string) {
	if h.metrics != nil {
		h.metrics.ObserveFailure(kind)
	}
	writeError(w, code, msg)
}

// readValue takes the scalar from a JSON body {"value": n} or, when the body
// carries none, from the value query parameter.
func readValue(r *http.Request) (float64, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return 0, &requestError{code: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return 0, badRequest("failed to read request body")
	}

	if len(bytes.TrimSpace(body)) > 0 {
		if !gjson.ValidBytes(body) {
			return 0, badRequest("malformed JSON body")
		}
		doc := gjson.ParseBytes(body)
		if !doc.IsObject() {
			return 0, badRequest("request body must be a JSON object")
		}
		if field := doc.Get("value"); field.Exists() {
			if field.Type != gjson.Number {
				return 0, badRequest("value must be a number")
			}
			return finite(field.Float())
		}
	}

	raw := r.URL.Query().Get("value")
	if raw == "" {
		return 0, badRequest("value is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest("value must be a number")
	}
	return finite(v)
}

func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, badRequest("value must be finite")
	}
	return v, nil
}

type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string {
	return e.msg
}

func (e *requestError) Unwrap() error {
	return errBadRequest
}

func badRequest(msg string) error {
	return &requestError{code: http.StatusBadRequest, msg: msg}
}

func statusFor(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.code
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
