package api

import (
	"net/http"

	"github.com/shohag/teamsrelay/internal/storage"
)

type StatsHandler struct {
	store   storage.Storage
	version string
}

func NewStatsHandler(store storage.Storage, version string) *StatsHandler {
	return &StatsHandler{store: store, version: version}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "teamsrelay",
		"version": h.version,
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context(), r.URL.Query().Get("subscription_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
