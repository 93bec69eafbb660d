package intake

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBody = 1 << 20

// HealthCheck reports whether the backing store is reachable.
type HealthCheck func(ctx context.Context) error

type handler struct {
	service *Service
	health  HealthCheck
	logger  log.Logger
}

// NewRouter exposes the service over HTTP.
func NewRouter(service *Service, health HealthCheck, logger log.Logger) http.Handler {
	h := handler{service: service, health: health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/{jobID}", h.status)
	})
	return r
}

func (h handler) submit(w http.ResponseWriter, r *http.Request) {
	var req Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	accepted, err := h.service.Submit(r.Context(), req)
	if errors.Is(err, ErrInvalidRequest) {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Errorf("Submit failed: %s", err)
		h.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	h.writeJSON(w, http.StatusAccepted, accepted)
}

func (h handler) status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	view, err := h.service.Status(r.Context(), id)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Errorf("Status of %s failed: %s", id, err)
		h.writeError(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

func (h handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warnf("Health check failed: %s", err)
			h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}

func (h handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
