package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/storage"
)

type SubscriptionHandler struct {
	store storage.Storage
}

func NewSubscriptionHandler(store storage.Storage) *SubscriptionHandler {
	return &SubscriptionHandler{store: store}
}

type subscriptionRequest struct {
	Name         string `json:"name"`
	TargetID     string `json:"target_id"`
	TargetKind   string `json:"target_kind"`
	TeamID       string `json:"team_id"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
}

func (req *subscriptionRequest) validate() (models.TargetKind, string) {
	if strings.TrimSpace(req.TargetID) == "" {
		return "", "target_id is required"
	}
	kind, err := models.ParseTargetKind(req.TargetKind)
	if err != nil {
		return "", "target_kind must be one of chat, channel, unknown"
	}
	if req.TeamID != "" && kind != models.TargetChannel {
		return "", "team_id is only valid with target_kind channel"
	}
	return kind, ""
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, problem := req.validate()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:           models.NewID("sub"),
		Name:         req.Name,
		TargetID:     strings.TrimSpace(req.TargetID),
		TargetKind:   kind,
		TeamID:       req.TeamID,
		Secret:       models.NewSecret(),
		Organization: req.Organization,
		Project:      req.Project,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sub.Name == "" {
		sub.Name = sub.TargetID
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	// The secret is only shown once, at creation.
	writeJSON(w, http.StatusCreated, sub)
}

func (h *SubscriptionHandler) load(w http.ResponseWriter, r *http.Request) *models.Subscription {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return nil
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return nil
	}
	return sub
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub := h.load(w, r)
	if sub == nil {
		return
	}
	sub.Secret = ""
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	for i := range subs {
		subs[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	sub := h.load(w, r)
	if sub == nil {
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, problem := req.validate()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	if req.Name != "" {
		sub.Name = req.Name
	}
	sub.TargetID = strings.TrimSpace(req.TargetID)
	sub.TargetKind = kind
	sub.TeamID = req.TeamID
	sub.Organization = req.Organization
	sub.Project = req.Project

	if err := h.store.UpdateSubscription(r.Context(), sub); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	sub.Secret = ""
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sub := h.load(w, r)
	if sub == nil {
		return
	}
	if err := h.store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	sub := h.load(w, r)
	if sub == nil {
		return
	}

	newActive := !sub.Active
	if err := h.store.ToggleSubscription(r.Context(), sub.ID, newActive); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle subscription")
		return
	}

	sub.Active = newActive
	sub.Secret = ""
	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sub := h.load(w, r)
	if sub == nil {
		return
	}

	stats, err := h.store.GetStats(r.Context(), sub.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
