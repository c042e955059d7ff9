package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/file-connector/internal/governor"
	"github.com/file-connector/internal/models"
	"github.com/file-connector/internal/pool"
	"github.com/file-connector/internal/scheduler"
	"github.com/file-connector/internal/storage"
	"github.com/file-connector/internal/syncerr"
)

const maxRunsLimit = 200

type handlers struct {
	deps Deps
}

type healthResponse struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	Database string `json:"database"`
}

type statusResponse struct {
	Governor  governor.Status           `json:"governor"`
	Pools     []pool.Stats              `json:"pools"`
	Endpoints []scheduler.EndpointState `json:"endpoints"`
}

type endpointView struct {
	*models.Endpoint
	State scheduler.State `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncerr.ErrAlreadyRunning), errors.Is(err, syncerr.ErrDisabled):
		status = http.StatusConflict
	case syncerr.Is(err, syncerr.KindNotFound):
		status = http.StatusNotFound
	case syncerr.Is(err, syncerr.KindConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(syncerr.KindOf(err))})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.deps.StartTime).Round(time.Second).String(),
		Database: "ok",
	}
	status := http.StatusOK

	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Pools:     []pool.Stats{},
		Endpoints: []scheduler.EndpointState{},
	}
	if h.deps.Governor != nil {
		resp.Governor = h.deps.Governor.Snapshot()
	}
	if h.deps.Pools != nil {
		resp.Pools = h.deps.Pools.Stats()
	}
	if h.deps.Scheduler != nil {
		resp.Endpoints = h.deps.Scheduler.States()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := h.deps.Store.ListEndpoints(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		v := endpointView{Endpoint: ep, State: scheduler.StateDisabled}
		if h.deps.Scheduler != nil {
			v.State = h.deps.Scheduler.State(ep.ID)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Store.GetEndpoint(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	filter := storage.DefaultRunFilter(id)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		if limit > maxRunsLimit {
			limit = maxRunsLimit
		}
		filter.Limit = limit
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.RunStatus(raw)
		filter.Status = &st
	}

	runs, err := h.deps.Store.ListSyncRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Controller.TriggerNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "endpoint_id": id})
}

func (h *handlers) enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *handlers) disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")

	var err error
	if enabled {
		err = h.deps.Controller.EnableEndpoint(r.Context(), id)
	} else {
		err = h.deps.Controller.DisableEndpoint(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	ep, err := h.deps.Store.GetEndpoint(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	v := endpointView{Endpoint: ep, State: scheduler.StateDisabled}
	if h.deps.Scheduler != nil {
		v.State = h.deps.Scheduler.State(id)
	}
	writeJSON(w, http.StatusOK, v)
}
