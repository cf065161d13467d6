/**
 * @description
 * This file defines the canonical loyalty event produced by the normalizer and
 * the inbound payload shapes accepted from the commerce platform. Inbound
 * delivery is at-least-once: the event id is the deduplication key and must be
 * stable across retried deliveries of the same event.
 *
 * @dependencies
 * - errors, time: Standard Go libraries.
 */

package domain

import (
	"errors"
	"time"
)

// ErrUnknownCustomer marks an event whose reviewer identity resolves to no
// customer account. Guest reviewers have no account, so the outcome is
// terminal: redelivering the event cannot change it.
var ErrUnknownCustomer = errors.New("unknown customer")

// EventKind is the closed set of recognized commerce event kinds.
// Unrecognized kinds are rejected, never coerced.
type EventKind string

const (
	EventOrderPaid     EventKind = "order.paid"
	EventReviewCreated EventKind = "review.created"
)

// Event is the canonical, normalized form of an inbound commerce event.
// Delta is always >= 0; a zero-delta event is still idempotency-tracked but
// causes no balance mutation.
type Event struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Kind       EventKind `json:"kind"`
	Delta      int64     `json:"delta"`
	ReceivedAt time.Time `json:"received_at"`
}

// OrderPaidPayload is the inbound shape for a paid-order event.
type OrderPaidPayload struct {
	EventID     string  `json:"event_id"`
	CustomerID  string  `json:"customer_id"`
	TotalAmount float64 `json:"total_amount"`
}

// ReviewCreatedPayload is the inbound shape for a product-review event.
// Review webhooks may identify the customer by email only; in that case the
// normalizer resolves the email to a customer id through the commerce client.
type ReviewCreatedPayload struct {
	EventID       string `json:"event_id"`
	CustomerID    string `json:"customer_id,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	Rating        int    `json:"rating"`
}

// ApplyOutcome summarizes one pass of the event pipeline for a single event.
type ApplyOutcome struct {
	EventID      string   `json:"event_id"`
	CustomerID   string   `json:"customer_id"`
	Delta        int64    `json:"delta"`
	OldBalance   int64    `json:"old_balance"`
	NewBalance   int64    `json:"new_balance"`
	Applied      bool     `json:"applied"`
	CrossedTiers []TierID `json:"crossed_tiers,omitempty"`
}
