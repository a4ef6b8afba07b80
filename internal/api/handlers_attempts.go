package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/storage"
)

type AttemptHandler struct {
	store storage.Storage
}

func NewAttemptHandler(store storage.Storage) *AttemptHandler {
	return &AttemptHandler{store: store}
}

func (h *AttemptHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempt")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// List supports ?subscription_id=, ?outcome=, ?error_class=, ?limit= and
// ?offset=.
func (h *AttemptHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AttemptFilter{
		SubscriptionID: q.Get("subscription_id"),
		Outcome:        models.Outcome(q.Get("outcome")),
		ErrorClass:     models.ErrorClass(q.Get("error_class")),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	attempts, err := h.store.ListAttempts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
