// Package api exposes the provider webhook and operational endpoints.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"mining-engine/internal/metrics"
	"mining-engine/internal/model"
	"mining-engine/internal/service"
)

// Engine is the part of the mining engine reachable over HTTP.
type Engine interface {
	ProcessSubscriptionNotification(ctx context.Context, n *model.Notification) service.Ack
	GetBalance(ctx context.Context, ownerID int64) (*service.Balance, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// notificationPayload is the webhook body posted by the payment provider.
type notificationPayload struct {
	NotificationID   string `json:"notification_id"`
	NotificationType int    `json:"notification_type"`
	SubscriptionID   string `json:"subscription_id"`
	PurchaseToken    string `json:"purchase_token"`
	EventTimeMillis  int64  `json:"event_time_millis"`
}

type balanceResponse struct {
	OwnerID              int64  `json:"owner_id"`
	Balance              string `json:"balance"`
	AccrualRatePerSecond string `json:"accrual_rate_per_second"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// NewRouter builds the HTTP routes.
func NewRouter(engine Engine, health HealthChecker) http.Handler {
	h := &handler{engine: engine, health: health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhooks/subscriptions", h.subscriptionWebhook)
	r.Get("/owners/{ownerID}/balance", h.balance)
	return r
}

type handler struct {
	engine Engine
	health HealthChecker
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.health.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Code: "UNHEALTHY", Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subscriptionWebhook acknowledges every decodable delivery with 200 so the
// provider does not redeliver. Failures are recorded and reconciled by the
// engine. A delivery without ids cannot be deduplicated and gets 400.
func (h *handler) subscriptionWebhook(w http.ResponseWriter, r *http.Request) {
	var p notificationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		log.Warn().Err(err).Msg("Malformed subscription webhook body")
		w.WriteHeader(http.StatusOK)
		return
	}
	if p.NotificationID == "" || p.SubscriptionID == "" {
		log.Warn().
			Str("notification_id", p.NotificationID).
			Str("subscription_id", p.SubscriptionID).
			Msg("Subscription webhook without ids")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:  service.ErrorCode(service.ErrInvalidNotification),
			Error: service.ErrInvalidNotification.Error(),
		})
		return
	}

	n := &model.Notification{
		NotificationID: p.NotificationID,
		Type:           model.NotificationType(p.NotificationType),
		SubscriptionID: p.SubscriptionID,
		PurchaseToken:  p.PurchaseToken,
	}
	if p.EventTimeMillis > 0 {
		n.EventTime = time.UnixMilli(p.EventTimeMillis).UTC()
	}

	ack := h.engine.ProcessSubscriptionNotification(r.Context(), n)
	writeJSON(w, http.StatusOK, map[string]string{
		"notification_id": ack.NotificationID,
		"outcome":         ack.Outcome,
	})
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(chi.URLParam(r, "ownerID"), 10, 64)
	if err != nil || ownerID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "INVALID_OWNER", Error: "owner id must be a positive integer"})
		return
	}

	b, err := h.engine.GetBalance(r.Context(), ownerID)
	if err != nil {
		log.Error().Err(err).Int64("owner_id", ownerID).Msg("Failed to read balance")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: service.ErrorCode(err), Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		OwnerID:              b.OwnerID,
		Balance:              b.Balance.String(),
		AccrualRatePerSecond: b.AccrualRatePerSecond.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
