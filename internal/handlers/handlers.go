package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"powcaptcha/internal/database"
	"powcaptcha/internal/defense"
	"powcaptcha/internal/engine"
	"powcaptcha/internal/master"
	"powcaptcha/internal/pow"
	"powcaptcha/internal/store"
)

// DefaultStrategy converts easy-mode traffic patterns into levels when a
// registration carries no explicit level set.
var DefaultStrategy = defense.Strategy{
	AvgTrafficDifficulty:             50000,
	PeakSustainableTrafficDifficulty: 3000000,
	BrokeMySiteTrafficDifficulty:     5000000,
	Duration:                         30,
}

// PerformanceFetcher serves recorded solve-performance observations.
type PerformanceFetcher interface {
	FetchPerformance(ctx context.Context, site string, limit, offset int) ([]database.PerformanceRecord, error)
}

type Handler struct {
	engine    *engine.Engine
	master    *master.Master
	analytics PerformanceFetcher
}

// NewHandler builds the API handler. analytics may be nil when the
// analytics database is disabled.
func NewHandler(e *engine.Engine, m *master.Master, analytics PerformanceFetcher) *Handler {
	return &Handler{
		engine:    e,
		master:    m,
		analytics: analytics,
	}
}

type ConfigRequest struct {
	Key string `json:"key"`
}

type VerifyRequest struct {
	Key        string  `json:"key"`
	String     string  `json:"string"`
	Result     string  `json:"result"`
	Nonce      uint64  `json:"nonce"`
	Time       *uint32 `json:"time,omitempty"`
	WorkerType *string `json:"worker_type,omitempty"`
}

type VerifyResponse struct {
	Token string `json:"token"`
}

type SiteVerifyRequest struct {
	Token string `json:"token"`
}

type SiteVerifyResponse struct {
	Valid bool `json:"valid"`
}

type RegisterSiteRequest struct {
	Key     string                  `json:"key"`
	Levels  []defense.Level         `json:"levels,omitempty"`
	Pattern *defense.TrafficPattern `json:"pattern,omitempty"`
}

type RenameSiteRequest struct {
	OldKey string `json:"old_key"`
	NewKey string `json:"new_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	challenge, err := h.engine.GetChallenge(r.Context(), req.Key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, challenge)
}

func (h *Handler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	token, err := h.engine.Verify(r.Context(), engine.Submission{
		SiteKey:    req.Key,
		Challenge:  req.String,
		Result:     req.Result,
		Nonce:      req.Nonce,
		Time:       req.Time,
		WorkerType: req.WorkerType,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, VerifyResponse{Token: token})
}

func (h *Handler) SiteVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req SiteVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	valid, err := h.engine.Redeem(r.Context(), req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SiteVerifyResponse{Valid: valid})
}

func (h *Handler) RegisterSiteHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "Site key must not be empty")
		return
	}

	var (
		levels *defense.Defense
		err    error
	)
	switch {
	case len(req.Levels) > 0:
		levels, err = defense.New(req.Levels)
	case req.Pattern != nil:
		levels, err = defense.LevelsFromPattern(*req.Pattern, DefaultStrategy)
	default:
		writeError(w, http.StatusBadRequest, "Either levels or a traffic pattern is required")
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.master.AddSite(req.Key, levels)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) RenameSiteHandler(w http.ResponseWriter, r *http.Request) {
	var req RenameSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.OldKey == "" || req.NewKey == "" {
		writeError(w, http.StatusBadRequest, "Both old and new site keys are required")
		return
	}

	if err := h.master.Rename(r.Context(), req.OldKey, req.NewKey); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) RemoveSiteHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := h.master.Remove(r.Context(), key); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		writeError(w, http.StatusNotFound, "Analytics are disabled")
		return
	}

	key := mux.Vars(r)["key"]
	if !h.master.Exists(key) {
		writeError(w, http.StatusNotFound, "Site not found")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	records, err := h.analytics.FetchPerformance(r.Context(), key, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch analytics")
		return
	}
	if records == nil {
		records = []database.PerformanceRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func queryInt(r *http.Request, name string, defaultValue int) int {
	if value := r.URL.Query().Get(name); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return defaultValue
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "powcaptcha",
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps the verification error taxonomy onto HTTP
// statuses with stable error strings.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, master.ErrSiteNotFound):
		writeError(w, http.StatusNotFound, "Site not found")
	case errors.Is(err, store.ErrChallengeNotFound):
		writeError(w, http.StatusBadRequest, "Challenge: not found")
	case errors.Is(err, pow.ErrInsufficientDifficulty):
		writeError(w, http.StatusBadRequest, "Insufficient difficulty")
	case errors.Is(err, engine.ErrDuplicateNonce):
		writeError(w, http.StatusBadRequest, "Duplicate nonce")
	case errors.Is(err, defense.ErrConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Storage backend unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
