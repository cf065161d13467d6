package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/perkline/loyalty-service/internal/domain"
)

type identityResolverStub struct {
	byEmail map[string]string
	err     error
	calls   int
}

func (s *identityResolverStub) ResolveCustomerIdentity(ctx context.Context, email string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	id, ok := s.byEmail[email]
	if !ok {
		return "", fmt.Errorf("customer not found: %w", domain.ErrUnknownCustomer)
	}
	return id, nil
}

func TestNormalizeOrderPaid_FloorsFractionalAmount(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.NormalizeOrderPaid(context.Background(), domain.OrderPaidPayload{
		EventID:     "evt_1",
		CustomerID:  "cust_1",
		TotalAmount: 149.99,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Delta != 149 {
		t.Fatalf("expected delta 149 for amount 149.99, got %d", event.Delta)
	}
	if event.Kind != domain.EventOrderPaid {
		t.Fatalf("unexpected event kind %q", event.Kind)
	}
}

func TestNormalizeOrderPaid_ZeroAmountYieldsZeroDelta(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.NormalizeOrderPaid(context.Background(), domain.OrderPaidPayload{
		EventID:     "evt_free",
		CustomerID:  "cust_1",
		TotalAmount: 0.5,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Delta != 0 {
		t.Fatalf("expected delta 0 for sub-unit amount, got %d", event.Delta)
	}
}

func TestNormalizeOrderPaid_RejectsMalformedPayloads(t *testing.T) {
	n := NewNormalizer(nil)

	cases := []struct {
		name    string
		payload domain.OrderPaidPayload
	}{
		{"missing event id", domain.OrderPaidPayload{CustomerID: "cust_1", TotalAmount: 10}},
		{"missing customer id", domain.OrderPaidPayload{EventID: "evt_1", TotalAmount: 10}},
		{"negative amount", domain.OrderPaidPayload{EventID: "evt_1", CustomerID: "cust_1", TotalAmount: -5}},
		{"nan amount", domain.OrderPaidPayload{EventID: "evt_1", CustomerID: "cust_1", TotalAmount: math.NaN()}},
		{"inf amount", domain.OrderPaidPayload{EventID: "evt_1", CustomerID: "cust_1", TotalAmount: math.Inf(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := n.NormalizeOrderPaid(context.Background(), tc.payload); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestNormalizeReviewCreated_QualifyingRatingEarnsPoints(t *testing.T) {
	n := NewNormalizer(nil)

	for _, rating := range []int{4, 5} {
		event, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
			EventID:    "evt_rev",
			CustomerID: "cust_1",
			Rating:     rating,
		})
		if err != nil {
			t.Fatalf("rating %d: expected nil error, got %v", rating, err)
		}
		if event.Delta != 50 {
			t.Fatalf("rating %d: expected 50 points, got %d", rating, event.Delta)
		}
	}
}

func TestNormalizeReviewCreated_LowRatingEarnsNothing(t *testing.T) {
	n := NewNormalizer(nil)

	event, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
		EventID:    "evt_rev",
		CustomerID: "cust_1",
		Rating:     3,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.Delta != 0 {
		t.Fatalf("expected 0 points for rating 3, got %d", event.Delta)
	}
}

func TestNormalizeReviewCreated_ResolvesCustomerByEmail(t *testing.T) {
	resolver := &identityResolverStub{byEmail: map[string]string{"shopper@example.com": "cust_42"}}
	n := NewNormalizer(resolver)

	event, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
		EventID:       "evt_rev",
		CustomerEmail: "shopper@example.com",
		Rating:        5,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if event.CustomerID != "cust_42" {
		t.Fatalf("expected resolved customer id cust_42, got %q", event.CustomerID)
	}
	if resolver.calls != 1 {
		t.Fatalf("expected one resolver call, got %d", resolver.calls)
	}
}

func TestNormalizeReviewCreated_ResolverFailureIsNotInvalidEvent(t *testing.T) {
	resolver := &identityResolverStub{err: errors.New("commerce api down")}
	n := NewNormalizer(resolver)

	_, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
		EventID:       "evt_rev",
		CustomerEmail: "shopper@example.com",
		Rating:        5,
	})
	if err == nil {
		t.Fatal("expected error when resolver fails")
	}
	if errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("resolver outage must stay retryable, got ErrInvalidEvent: %v", err)
	}
}

func TestNormalizeReviewCreated_UnknownEmailIsTerminal(t *testing.T) {
	resolver := &identityResolverStub{byEmail: map[string]string{}}
	n := NewNormalizer(resolver)

	_, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
		EventID:       "evt_rev",
		CustomerEmail: "guest@example.com",
		Rating:        5,
	})
	if !errors.Is(err, domain.ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer for unresolvable email, got %v", err)
	}
	if errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("unknown customer is not a malformed payload: %v", err)
	}
}

func TestNormalizeReviewCreated_MissingIdentityRejected(t *testing.T) {
	n := NewNormalizer(&identityResolverStub{})

	_, err := n.NormalizeReviewCreated(context.Background(), domain.ReviewCreatedPayload{
		EventID: "evt_rev",
		Rating:  5,
	})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
