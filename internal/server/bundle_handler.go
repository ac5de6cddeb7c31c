package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/scheduler"
)

type Engine interface {
	List(ctx context.Context) ([]bundle.Record, error)
	Current(ctx context.Context) (*bundle.Record, error)
	CurrentVersion(ctx context.Context) (string, error)
	Set(ctx context.Context, id string) (*bundle.Record, error)
	Delete(ctx context.Context, id string, opts ...bundle.DeleteOption) error
	Sync(ctx context.Context, opts ...orchestrator.SyncOption) orchestrator.Result
	NotifyAppReady(ctx context.Context) (*bundle.Record, error)
	Reset(ctx context.Context) error
}

type Background interface {
	Status() scheduler.Status
	Trigger(ctx context.Context) (orchestrator.Result, error)
}

// CurrentResponse describes what the host serves. Bundle is nil for the builtin content.
type CurrentResponse struct {
	Bundle  *bundle.Record `json:"bundle" yaml:"bundle"`
	Version string         `json:"version" yaml:"version"`
}

type ErrorResponse struct {
	Error string `json:"error" yaml:"error"`
	Kind  string `json:"kind" yaml:"kind"`
}

type BundleHandler struct {
	engine Engine
	mux    *http.ServeMux
}

// NewBundleHandler serves the bundle lifecycle endpoints.
func NewBundleHandler(engine Engine) *BundleHandler {
	h := &BundleHandler{
		engine: engine,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /bundles", h.list)
	h.mux.HandleFunc("GET /bundles/current", h.current)
	h.mux.HandleFunc("POST /bundles/{id}/activate", h.activate)
	h.mux.HandleFunc("DELETE /bundles/{id}", h.delete)
	h.mux.HandleFunc("POST /sync", h.sync)
	h.mux.HandleFunc("POST /app-ready", h.appReady)
	h.mux.HandleFunc("POST /reset", h.reset)
	return h
}

func (h *BundleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *BundleHandler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []bundle.Record{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

func (h *BundleHandler) current(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	version, err := h.engine.CurrentVersion(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, CurrentResponse{Bundle: rec, Version: version})
}

func (h *BundleHandler) activate(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Set(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

func (h *BundleHandler) delete(w http.ResponseWriter, r *http.Request) {
	var opts []bundle.DeleteOption
	if r.URL.Query().Get("force") == "true" {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "force deletion requested", "bundle_id", r.PathValue("id"))
		opts = append(opts, bundle.WithForce())
	}
	if err := h.engine.Delete(r.Context(), r.PathValue("id"), opts...); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BundleHandler) sync(w http.ResponseWriter, r *http.Request) {
	var opts []orchestrator.SyncOption
	if s := r.URL.Query().Get("strategy"); s != "" {
		strategy := config.Strategy(s)
		if !slices.Contains([]config.Strategy{config.StrategyImmediate, config.StrategyBackground, config.StrategyManual}, strategy) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("strategy must be one of immediate, background or manual"))
			return
		}
		opts = append(opts, orchestrator.WithStrategy(strategy))
	}
	writeJSON(w, r, http.StatusOK, h.engine.Sync(r.Context(), opts...))
}

func (h *BundleHandler) appReady(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.NotifyAppReady(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	version, err := h.engine.CurrentVersion(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, CurrentResponse{Bundle: rec, Version: version})
}

func (h *BundleHandler) reset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type BackgroundHandler struct {
	background Background
	mux        *http.ServeMux
}

func NewBackgroundHandler(background Background) *BackgroundHandler {
	h := &BackgroundHandler{
		background: background,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /background", h.status)
	h.mux.HandleFunc("POST /background/trigger", h.trigger)
	return h
}

func (h *BackgroundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *BackgroundHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.background.Status())
}

func (h *BackgroundHandler) trigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.background.Trigger(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrState):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrUnsafePath), errors.Is(err, errdefs.ErrConfig):
		return http.StatusBadRequest
	case errdefs.IsIntegrity(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errdefs.ErrNetwork), errors.Is(err, errdefs.ErrServer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed", "error", err)
	}
	writeJSON(w, r, code, ErrorResponse{Error: err.Error(), Kind: errdefs.Kind(err)})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
