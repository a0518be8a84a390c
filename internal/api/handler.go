package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"traffic-router/internal/apperr"
	"traffic-router/internal/engine"
	"traffic-router/internal/targets"
)

const maxBodyBytes = 1 << 20

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	repo    *targets.Repository
	engine  *engine.Engine
	store   Pinger
	version string
}

func NewHandler(repo *targets.Repository, eng *engine.Engine, store Pinger, version string) *Handler {
	return &Handler{repo: repo, engine: eng, store: store, version: version}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps err to a status and a caller-safe message. Client faults are
// logged at warn, everything else at error with the full cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.StatusCode(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	writeJSON(w, status, errorBody{Error: apperr.Message(err)})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Validation("Invalid JSON body")
	}
	return body, nil
}

func (h *Handler) CreateTarget(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in, err := targets.ParseInput(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.repo.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	ts, err := h.repo.ListAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) UpdateTarget(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in, err := targets.ParseInput(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := h.repo.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Route decides where a visitor goes. Accept and reject are both 200.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	var v engine.Visitor
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&v); err != nil {
		writeError(w, r, apperr.Validation("Invalid JSON body"))
		return
	}
	d, err := h.engine.Decide(r.Context(), v)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("health check: store unreachable")
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "UNAVAILABLE", Version: h.version, Error: "store unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "OK", Version: h.version})
}
