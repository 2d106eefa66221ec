// Package api serves the operational HTTP surface: health, readiness and
// a pipeline status summary. It is read-only; killmails enter through the
// feed and profiles through the YAML file.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/voidwatch/killfeed/internal/config"
	"github.com/voidwatch/killfeed/internal/domain"
)

type Store interface {
	CountKillmails(ctx context.Context) (int64, error)
	CountUnenriched(ctx context.Context) (int64, error)
	CountLiveClaims(ctx context.Context, liveAfter time.Time) (int64, error)
	ListWorkerStates(ctx context.Context) ([]domain.WorkerState, error)
}

// HealthChecker provides database health status for the /readyz endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store    Store
	db       HealthChecker
	profiles []config.Profile
	claimTTL time.Duration
	version  string
	clock    func() time.Time
}

func NewHandler(store Store, profiles []config.Profile, claimTTL time.Duration, version string) *Handler {
	return &Handler{
		store:    store,
		profiles: profiles,
		claimTTL: claimTTL,
		version:  version,
		clock:    time.Now,
	}
}

// WithHealthChecker sets the database health checker for /readyz.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch r.URL.Path {
	case "/healthz":
		h.healthz(w, r)
	case "/readyz":
		h.readyz(w, r)
	case "/status":
		h.status(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: h.version})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// StatusResponse summarizes the pipeline for operators.
type StatusResponse struct {
	Version    string          `json:"version"`
	Killmails  int64           `json:"killmails"`
	Unenriched int64           `json:"unenriched"`
	LiveClaims int64           `json:"live_claims"`
	Profiles   []ProfileStatus `json:"profiles"`
}

type ProfileStatus struct {
	Name                string     `json:"name"`
	RequireEnriched     bool       `json:"require_enriched"`
	LastProcessedTime   *time.Time `json:"last_processed_time,omitempty"`
	LastPollTime        *time.Time `json:"last_poll_time,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := StatusResponse{Version: h.version}

	var err error
	if resp.Killmails, err = h.store.CountKillmails(ctx); err != nil {
		log.Printf("api: count killmails: %v", err)
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	if resp.Unenriched, err = h.store.CountUnenriched(ctx); err != nil {
		log.Printf("api: count unenriched: %v", err)
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	liveAfter := h.clock().UTC().Add(-h.claimTTL)
	if resp.LiveClaims, err = h.store.CountLiveClaims(ctx, liveAfter); err != nil {
		log.Printf("api: count live claims: %v", err)
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}

	states, err := h.store.ListWorkerStates(ctx)
	if err != nil {
		log.Printf("api: list worker states: %v", err)
		writeError(w, http.StatusInternalServerError, "status query failed")
		return
	}
	byName := make(map[string]domain.WorkerState, len(states))
	for _, st := range states {
		byName[st.WorkerName] = st
	}

	resp.Profiles = make([]ProfileStatus, 0, len(h.profiles))
	for _, p := range h.profiles {
		ps := ProfileStatus{Name: p.Name, RequireEnriched: p.RequireEnriched}
		if st, ok := byName[p.Name]; ok {
			lpt, lplt := st.LastProcessedTime, st.LastPollTime
			ps.LastProcessedTime = &lpt
			ps.LastPollTime = &lplt
			ps.ConsecutiveFailures = st.ConsecutiveFailures
		}
		resp.Profiles = append(resp.Profiles, ps)
	}

	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
