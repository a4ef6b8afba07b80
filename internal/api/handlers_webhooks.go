package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/signing"
	"github.com/shohag/teamsrelay/internal/storage"
)

// Deliverer runs the delivery pipeline for one webhook body.
type Deliverer interface {
	Deliver(ctx context.Context, sub *models.Subscription, raw []byte) (models.DeliveryAttempt, error)
}

type WebhookHandler struct {
	store    storage.Storage
	pipeline Deliverer
	maxBody  int64
	seen     *ttlcache.Cache[string, struct{}]
	running  atomic.Bool
	now      func() time.Time
	log      zerolog.Logger
}

// NewWebhookHandler remembers successfully delivered event ids for
// dedupeTTL. A zero dedupeTTL turns de-duplication off.
func NewWebhookHandler(store storage.Storage, pipeline Deliverer, maxBody int64, dedupeTTL time.Duration, log zerolog.Logger) *WebhookHandler {
	h := &WebhookHandler{
		store:    store,
		pipeline: pipeline,
		maxBody:  maxBody,
		now:      time.Now,
		log:      log.With().Str("component", "webhook").Logger(),
	}
	if dedupeTTL > 0 {
		h.seen = ttlcache.New(
			ttlcache.WithTTL[string, struct{}](dedupeTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}
	return h
}

// Start runs the cache's expiry loop until Stop.
func (h *WebhookHandler) Start() {
	if h.seen != nil && h.running.CompareAndSwap(false, true) {
		go h.seen.Start()
	}
}

func (h *WebhookHandler) Stop() {
	if h.seen != nil && h.running.CompareAndSwap(true, false) {
		h.seen.Stop()
	}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "subscriptionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil || !sub.Active {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := signing.Authenticate(r, sub.Secret, body, h.now()); err != nil {
		h.log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("rejected unauthenticated webhook")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	key := dedupeKey(sub.ID, body)
	if key != "" && h.seen != nil && h.seen.Has(key) {
		h.log.Info().Str("subscription_id", sub.ID).Str("dedupe_key", key).Msg("skipping redelivered webhook")
		writeJSON(w, http.StatusOK, webhookResponse{Success: true, Duplicate: true})
		return
	}

	attempt, err := h.pipeline.Deliver(r.Context(), sub, body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, webhookResponse{
			AttemptID:  attempt.ID,
			ErrorClass: string(attempt.ErrorClass),
			Error:      "failed to record delivery attempt",
		})
		return
	}

	resp := webhookResponse{
		Success:    attempt.Succeeded(),
		MessageID:  attempt.ProviderMessageID,
		AttemptID:  attempt.ID,
		ErrorClass: string(attempt.ErrorClass),
	}

	switch {
	case attempt.Succeeded():
		if key != "" && h.seen != nil && attempt.ErrorClass != models.ErrorIgnored {
			h.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
		}
		writeJSON(w, http.StatusOK, resp)
	case attempt.ErrorClass == models.ErrorInvalidPayload:
		resp.Error = attempt.ErrorMessage
		writeJSON(w, http.StatusBadRequest, resp)
	default:
		// Recorded but not delivered; the sender may retry.
		writeJSON(w, http.StatusAccepted, resp)
	}
}

// dedupeKey identifies a service hook notification. Azure DevOps reuses the
// notification id when it redelivers.
func dedupeKey(subscriptionID string, body []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ID == "" {
		return ""
	}
	return subscriptionID + ":" + probe.ID
}
