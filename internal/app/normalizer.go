/**
 * @description
 * This file implements the event normalizer: it converts heterogeneous
 * inbound commerce payloads into the canonical loyalty Event, computing the
 * point delta for each kind. Malformed payloads are rejected with
 * ErrInvalidEvent and cause no state mutation.
 *
 * Point formulas:
 * - order.paid: one point per currency unit spent, floor of the order total.
 * - review.created: 50 points for a rating of 4 or 5, otherwise 0. A
 *   zero-delta event is still normalized so the ledger can idempotency-track it.
 *
 * @dependencies
 * - context, errors, math, strings, time: Standard Go libraries.
 * - internal/domain: Canonical event and payload types.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
)

// ErrInvalidEvent marks a malformed inbound payload: negative amount,
// missing event id, or missing customer identity.
var ErrInvalidEvent = errors.New("invalid event")

const (
	reviewPointDelta       = 50
	reviewQualifyingRating = 4
)

// IdentityResolver resolves a customer email address to a customer id.
// Review webhooks often identify the reviewer by email only. An email that
// belongs to no customer account is reported with an error matching
// domain.ErrUnknownCustomer; any other error is a transient lookup failure.
type IdentityResolver interface {
	ResolveCustomerIdentity(ctx context.Context, email string) (string, error)
}

// Normalizer converts inbound payloads into canonical events.
type Normalizer struct {
	identities IdentityResolver
}

// NewNormalizer creates a normalizer. identities may be nil when all inbound
// events are guaranteed to carry a customer id.
func NewNormalizer(identities IdentityResolver) *Normalizer {
	return &Normalizer{identities: identities}
}

// NormalizeOrderPaid converts a paid-order payload into a canonical event.
func (n *Normalizer) NormalizeOrderPaid(ctx context.Context, p domain.OrderPaidPayload) (*domain.Event, error) {
	eventID := strings.TrimSpace(p.EventID)
	customerID := strings.TrimSpace(p.CustomerID)
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: missing customer id", ErrInvalidEvent)
	}
	if p.TotalAmount < 0 || math.IsNaN(p.TotalAmount) || math.IsInf(p.TotalAmount, 0) {
		return nil, fmt.Errorf("%w: invalid order amount %v", ErrInvalidEvent, p.TotalAmount)
	}

	return &domain.Event{
		ID:         eventID,
		CustomerID: customerID,
		Kind:       domain.EventOrderPaid,
		Delta:      int64(math.Floor(p.TotalAmount)),
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// NormalizeReviewCreated converts a review payload into a canonical event,
// resolving the customer id from the reviewer email when necessary.
func (n *Normalizer) NormalizeReviewCreated(ctx context.Context, p domain.ReviewCreatedPayload) (*domain.Event, error) {
	eventID := strings.TrimSpace(p.EventID)
	if eventID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}

	customerID := strings.TrimSpace(p.CustomerID)
	if customerID == "" {
		email := strings.TrimSpace(p.CustomerEmail)
		if email == "" {
			return nil, fmt.Errorf("%w: missing customer identity", ErrInvalidEvent)
		}
		if n.identities == nil {
			return nil, fmt.Errorf("%w: cannot resolve customer email without identity resolver", ErrInvalidEvent)
		}
		resolved, err := n.identities.ResolveCustomerIdentity(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve customer identity: %w", err)
		}
		customerID = resolved
	}

	var delta int64
	if p.Rating >= reviewQualifyingRating {
		delta = reviewPointDelta
	}

	return &domain.Event{
		ID:         eventID,
		CustomerID: customerID,
		Kind:       domain.EventReviewCreated,
		Delta:      delta,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
