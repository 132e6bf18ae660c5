package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/byomlabs/byom-gateway/internal/auth"
	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/gateway"
)

type HandlerConfig struct {
	Orchestrator *gateway.Orchestrator
	Checkers     []HealthChecker
	CheckTimeout time.Duration
	Version      string
}

// Handler serves the caller-facing surface: the canonical chat completion
// endpoint, model listing, health probes and metrics.
type Handler struct {
	orch    *gateway.Orchestrator
	version string
	mux     *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.CheckTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	h := &Handler{
		orch:    cfg.Orchestrator,
		version: cfg.Version,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, timeout, cfg.Version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and a non-empty messages array are required")
		return
	}

	token := auth.ExtractBearerToken(r)
	res, err := h.orch.ChatCompletion(ctx, token, req)
	if err != nil {
		h.writeCompletionError(w, err)
		return
	}

	if res.Stream != nil {
		h.relayStream(w, r, res.Stream)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res.Response)
}

func (h *Handler) writeCompletionError(w http.ResponseWriter, err error) {
	var quotaErr *domain.QuotaExceededError
	var adapterErr *domain.AdapterError
	var cfgErr *domain.ConfigurationError

	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "invalid or missing credential")
	case errors.As(err, &quotaErr):
		w.Header().Set("Retry-After", strconv.Itoa(quotaErr.RetryAfter))
		writeError(w, http.StatusTooManyRequests, quotaErr.Reason)
	case errors.Is(err, domain.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model not found")
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "model provider is not available")
	case errors.As(err, &adapterErr):
		writeError(w, http.StatusBadGateway, adapterErr.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusInternalServerError, cfgErr.Error())
	default:
		slog.Error("chat completion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// relayStream copies the provider's bytes to the caller as they arrive.
// Closing the stream finalizes the request's telemetry, so it must happen on
// every exit, including client disconnect.
func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, stream io.ReadCloser) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("stream relay interrupted", "error", err)
			}
			return
		}
		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	token := auth.ExtractBearerToken(r)

	list, err := h.orch.ListModels(r.Context(), token)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "invalid or missing credential")
			return
		}
		slog.Error("list models failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": h.version})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
