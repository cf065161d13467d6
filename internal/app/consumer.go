package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
)

// CommerceEventConsumer feeds broker-delivered commerce events into the same
// pipeline as the HTTP event surface. Delivery is at-least-once; the ledger's
// idempotency guard makes redelivery harmless.
type CommerceEventConsumer struct {
	service *Service
}

// CommerceEventConsumer returns the broker-facing consumer for this service.
func (s *Service) CommerceEventConsumer() *CommerceEventConsumer {
	return &CommerceEventConsumer{service: s}
}

// HandleOrderPaid handles one order.paid delivery. Returns true to ack.
func (c *CommerceEventConsumer) HandleOrderPaid(body []byte) bool {
	var payload domain.OrderPaidPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("level=warn component=commerce_consumer msg=\"malformed order.paid payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.service.ProcessOrderPaid(ctx, payload)
	return c.ackDecision("order.paid", payload.EventID, err)
}

// HandleReviewCreated handles one review.created delivery. Returns true to ack.
func (c *CommerceEventConsumer) HandleReviewCreated(body []byte) bool {
	var payload domain.ReviewCreatedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Printf("level=warn component=commerce_consumer msg=\"malformed review.created payload; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.service.ProcessReviewCreated(ctx, payload)
	return c.ackDecision("review.created", payload.EventID, err)
}

// ackDecision maps a pipeline error to an ack/requeue decision. Invalid
// events and unknown customers can never succeed on redelivery and are
// dropped; anything else is transient and requeued.
func (c *CommerceEventConsumer) ackDecision(kind, eventID string, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrInvalidEvent) {
		log.Printf("level=warn component=commerce_consumer msg=\"invalid event; dropping\" kind=%s event_id=%s err=%v", kind, eventID, err)
		return true
	}
	if errors.Is(err, domain.ErrUnknownCustomer) {
		// Guest reviewers have no customer account. Requeuing would loop the
		// delivery forever.
		log.Printf("level=warn component=commerce_consumer msg=\"unknown customer; dropping\" kind=%s event_id=%s err=%v", kind, eventID, err)
		return true
	}
	log.Printf("level=warn component=commerce_consumer msg=\"processing failed; re-queuing\" kind=%s event_id=%s err=%v", kind, eventID, err)
	return false
}
