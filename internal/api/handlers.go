/**
 * @description
 * This file contains the HTTP handlers for the loyalty-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/perkline/loyalty-service/internal/app"
	"github.com/perkline/loyalty-service/internal/domain"
	"github.com/perkline/loyalty-service/internal/store"
)

// LoyaltyHandlers holds the application service that handlers will use.
type LoyaltyHandlers struct {
	service *app.Service
}

// NewLoyaltyHandlers creates a new instance of LoyaltyHandlers.
func NewLoyaltyHandlers(service *app.Service) *LoyaltyHandlers {
	return &LoyaltyHandlers{service: service}
}

// eventAppliedResponse is sent back to the webhook forwarder after an event
// has been run through the points pipeline. Applied=false signals a replayed
// event that was recognized and skipped.
type eventAppliedResponse struct {
	EventID      string          `json:"event_id"`
	CustomerID   string          `json:"customer_id"`
	Applied      bool            `json:"applied"`
	Delta        int64           `json:"delta"`
	NewBalance   int64           `json:"new_balance"`
	CrossedTiers []domain.TierID `json:"crossed_tiers,omitempty"`
	Message      string          `json:"message"`
}

type redeemResponse struct {
	CustomerID string `json:"customer_id"`
	Redeemed   bool   `json:"redeemed"`
	NewBalance int64  `json:"new_balance"`
	Message    string `json:"message"`
}

func buildEventAppliedResponse(outcome *domain.ApplyOutcome) eventAppliedResponse {
	message := "Points applied"
	if !outcome.Applied {
		message = "Duplicate event ignored"
	}
	return eventAppliedResponse{
		EventID:      outcome.EventID,
		CustomerID:   outcome.CustomerID,
		Applied:      outcome.Applied,
		Delta:        outcome.Delta,
		NewBalance:   outcome.NewBalance,
		CrossedTiers: outcome.CrossedTiers,
		Message:      message,
	}
}

// OrderPaidHandler handles internal webhook deliveries for paid orders.
func (h *LoyaltyHandlers) OrderPaidHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.OrderPaidPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=order_paid outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	outcome, err := h.service.ProcessOrderPaid(r.Context(), payload)
	if err != nil {
		h.writeEventError(w, "order_paid", payload.EventID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildEventAppliedResponse(outcome))
}

// ReviewCreatedHandler handles internal webhook deliveries for product reviews.
func (h *LoyaltyHandlers) ReviewCreatedHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.ReviewCreatedPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Printf("level=warn component=api endpoint=review_created outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	outcome, err := h.service.ProcessReviewCreated(r.Context(), payload)
	if err != nil {
		h.writeEventError(w, "review_created", payload.EventID, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildEventAppliedResponse(outcome))
}

// GetAccountHandler returns the balance and tier-progress view for a customer.
// A customer may only read their own account.
func (h *LoyaltyHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.authorizeCustomerPath(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetAccountView(r.Context(), customerID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_account customer_id=%s err=%v", customerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load loyalty account")
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// RedeemHandler consumes the free-product entitlement for the authenticated customer.
func (h *LoyaltyHandlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.authorizeCustomerPath(w, r)
	if !ok {
		return
	}

	newBalance, err := h.service.Redeem(r.Context(), customerID)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many redemption attempts. Please wait and try again.")
		case errors.Is(err, store.ErrEntitlementAlreadyConsumed):
			h.writeError(w, http.StatusConflict, "The free product entitlement has already been redeemed.")
		case errors.Is(err, store.ErrEntitlementNotIssued):
			h.writeError(w, http.StatusConflict, "The free product reward has not been issued for this account.")
		case errors.Is(err, store.ErrInsufficientPoints):
			h.writeError(w, http.StatusPaymentRequired, "Not enough points to redeem the free product.")
		case errors.Is(err, store.ErrLedgerConflict):
			h.writeError(w, http.StatusServiceUnavailable, "The account is busy. Please retry.")
		default:
			log.Printf("level=error component=api endpoint=redeem customer_id=%s err=%v", customerID, err)
			h.writeError(w, http.StatusInternalServerError, "Redemption failed")
		}
		return
	}

	log.Printf("level=info component=api endpoint=redeem outcome=redeemed customer_id=%s new_balance=%d", customerID, newBalance)
	h.writeJSON(w, http.StatusOK, redeemResponse{
		CustomerID: customerID,
		Redeemed:   true,
		NewBalance: newBalance,
		Message:    "Free product redeemed",
	})
}

// SweepIssuancesHandler triggers an immediate retry pass over due pending
// issuances. Exposed internally so operators do not have to wait for the cron.
func (h *LoyaltyHandlers) SweepIssuancesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	result, err := h.service.SweepPendingIssuances(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=sweep_issuances err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Sweep failed")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListFailedIssuancesHandler lists issuances that exhausted their retry budget.
func (h *LoyaltyHandlers) ListFailedIssuancesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	records, err := h.service.FailedIssuances(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=failed_issuances err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list failed issuances")
		return
	}
	if records == nil {
		records = []domain.IssuanceRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"issuances": records})
}

// authorizeCustomerPath resolves the authenticated customer and checks it
// against the customerID path parameter. Writes the error response itself.
func (h *LoyaltyHandlers) authorizeCustomerPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	authedID, ok := GetCustomerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get customer ID from context")
		return "", false
	}

	pathID := chi.URLParam(r, "customerID")
	if pathID == "" {
		h.writeError(w, http.StatusBadRequest, "Missing customer ID")
		return "", false
	}
	if pathID != authedID {
		log.Printf("level=warn component=api outcome=reject reason=customer_mismatch authed=%s path=%s", authedID, pathID)
		h.writeError(w, http.StatusForbidden, "You may only access your own loyalty account")
		return "", false
	}
	return pathID, true
}

// writeEventError maps event-pipeline errors onto HTTP statuses.
func (h *LoyaltyHandlers) writeEventError(w http.ResponseWriter, endpoint, eventID string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidEvent):
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_event event_id=%s err=%v", endpoint, eventID, err)
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownCustomer):
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=unknown_customer event_id=%s err=%v", endpoint, eventID, err)
		h.writeError(w, http.StatusNotFound, "Customer not found")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Event rate limit exceeded")
	case errors.Is(err, store.ErrLedgerConflict):
		log.Printf("level=warn component=api endpoint=%s outcome=retry_later event_id=%s err=%v", endpoint, eventID, err)
		h.writeError(w, http.StatusServiceUnavailable, "The account is busy. Please retry.")
	default:
		log.Printf("level=error component=api endpoint=%s event_id=%s err=%v", endpoint, eventID, err)
		h.writeError(w, http.StatusInternalServerError, "Event processing failed")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *LoyaltyHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LoyaltyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
