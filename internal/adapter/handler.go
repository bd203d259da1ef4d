// Package adapter is the in-unit inference surface. It runs inside each
// built model image, owns the warm bridge to the framework runtime, and
// translates HTTP invocations into bridge exchanges.
package adapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/serveml-labs/serveml-go/internal/platform/httpserver"
)

// maxRequestBody caps one invocation payload at 8 MiB.
const maxRequestBody = 8 << 20

type Handler struct {
	logger    *slog.Logger
	cache     *BridgeCache
	modelPath string
}

func NewHandler(logger *slog.Logger, cache *BridgeCache, modelPath string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, cache: cache, modelPath: modelPath}
}

// Routes mounts the invocation and health endpoints. Health reports ready
// only once the bridge holds a loaded model, which is what the publisher's
// confirmation poll keys on.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", h.invoke)
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	bridge, err := h.cache.Acquire(r.Context(), h.modelPath)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"model_type": bridge.ModelType(),
	})
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	var body any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &PredictionError{Kind: KindDecodeError, Message: "request body is not valid JSON"})
		return
	}

	payload, err := NormalizePayload(ExtractPayload(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	bridge, err := h.cache.Acquire(r.Context(), h.modelPath)
	if err != nil {
		h.logger.Error("bridge unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	prediction, err := bridge.Predict(payload)
	if err != nil {
		var predErr *PredictionError
		if errors.As(err, &predErr) {
			writeError(w, http.StatusUnprocessableEntity, predErr)
			return
		}
		// The bridge died mid-exchange. The next request restarts it.
		h.logger.Error("bridge exchange failed", "error", err)
		writeError(w, http.StatusBadGateway, &PredictionError{Kind: KindBridgeError, Message: "model runtime unavailable"})
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"prediction": prediction})
}

// writeError emits the invocation error envelope: a message plus a stable
// machine-readable kind.
func writeError(w http.ResponseWriter, status int, err error) {
	var predErr *PredictionError
	if errors.As(err, &predErr) {
		httpserver.WriteJSON(w, status, map[string]any{
			"error": predErr.Message,
			"type":  predErr.Kind,
		})
		return
	}
	httpserver.WriteJSON(w, status, map[string]any{
		"error": err.Error(),
		"type":  KindBridgeError,
	})
}
