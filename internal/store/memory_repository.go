/**
 * @description
 * This file provides an in-memory implementation of the `Repository`
 * interface. It is used by the test suite and as a development fallback when
 * no database is configured. Per-customer serialization is a per-account
 * mutex: ApplyEvent and RedeemEntitlement for the same customer take the same
 * lock, while different customers only contend briefly on the account map.
 *
 * @dependencies
 * - context, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Issuance record identifiers.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perkline/loyalty-service/internal/domain"
)

type memoryAccount struct {
	mu sync.Mutex

	balance             int64
	entitlementConsumed bool
	issuedTiers         map[domain.TierID]time.Time
	// appliedOrder keeps event ids oldest-first so the set can be rotated
	// once it exceeds the retention bound.
	applied      map[string]struct{}
	appliedOrder []string
	createdAt    time.Time
	updatedAt    time.Time
}

// MemoryRepository is an in-memory Repository, safe for concurrent use.
type MemoryRepository struct {
	mu                    sync.Mutex
	accounts              map[string]*memoryAccount
	issuances             map[string]*domain.IssuanceRecord
	appliedEventRetention int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(appliedEventRetention int) *MemoryRepository {
	if appliedEventRetention <= 0 {
		appliedEventRetention = 1000
	}
	return &MemoryRepository{
		accounts:              make(map[string]*memoryAccount),
		issuances:             make(map[string]*domain.IssuanceRecord),
		appliedEventRetention: appliedEventRetention,
	}
}

func (r *MemoryRepository) account(customerID string, create bool) *memoryAccount {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[customerID]
	if !ok && create {
		now := time.Now().UTC()
		acc = &memoryAccount{
			issuedTiers: make(map[domain.TierID]time.Time),
			applied:     make(map[string]struct{}),
			createdAt:   now,
			updatedAt:   now,
		}
		r.accounts[customerID] = acc
	}
	return acc
}

// ApplyEvent atomically deduplicates and applies one event for a customer.
func (r *MemoryRepository) ApplyEvent(ctx context.Context, customerID, eventID string, delta int64) (*ApplyResult, error) {
	acc := r.account(customerID, true)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	old := acc.balance
	if _, dup := acc.applied[eventID]; dup {
		return &ApplyResult{OldBalance: old, NewBalance: old, Applied: false}, nil
	}

	acc.applied[eventID] = struct{}{}
	acc.appliedOrder = append(acc.appliedOrder, eventID)
	for len(acc.appliedOrder) > r.appliedEventRetention {
		evicted := acc.appliedOrder[0]
		acc.appliedOrder = acc.appliedOrder[1:]
		delete(acc.applied, evicted)
	}

	acc.balance += delta
	acc.updatedAt = time.Now().UTC()
	return &ApplyResult{OldBalance: old, NewBalance: acc.balance, Applied: true}, nil
}

// GetAccount returns a snapshot of the account state.
func (r *MemoryRepository) GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	acc := r.account(customerID, false)
	if acc == nil {
		return nil, ErrAccountNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	out := &domain.LoyaltyAccount{
		CustomerID:          customerID,
		Balance:             acc.balance,
		EntitlementConsumed: acc.entitlementConsumed,
		CreatedAt:           acc.createdAt,
		UpdatedAt:           acc.updatedAt,
	}
	for tierID := range acc.issuedTiers {
		out.IssuedTiers = append(out.IssuedTiers, tierID)
	}
	sort.Slice(out.IssuedTiers, func(i, j int) bool {
		return acc.issuedTiers[out.IssuedTiers[i]].Before(acc.issuedTiers[out.IssuedTiers[j]])
	})
	return out, nil
}

// MarkTierIssued records a tier as issued. Idempotent.
func (r *MemoryRepository) MarkTierIssued(ctx context.Context, customerID string, tierID domain.TierID) error {
	acc := r.account(customerID, true)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	if _, ok := acc.issuedTiers[tierID]; !ok {
		acc.issuedTiers[tierID] = time.Now().UTC()
	}
	return nil
}

// RedeemEntitlement consumes the free-product entitlement under the account lock.
func (r *MemoryRepository) RedeemEntitlement(ctx context.Context, customerID string, cost int64) (int64, error) {
	acc := r.account(customerID, false)
	if acc == nil {
		return 0, ErrAccountNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.entitlementConsumed {
		return 0, ErrEntitlementAlreadyConsumed
	}
	if _, ok := acc.issuedTiers[domain.TierFreeProduct]; !ok {
		return 0, ErrEntitlementNotIssued
	}
	if acc.balance < cost {
		return 0, ErrInsufficientPoints
	}

	acc.balance -= cost
	acc.entitlementConsumed = true
	acc.updatedAt = time.Now().UTC()
	return acc.balance, nil
}

func issuanceKey(customerID string, tierID domain.TierID) string {
	return customerID + ":" + string(tierID)
}

// EnsurePendingIssuance creates a pending record for (customer, tier) if absent.
func (r *MemoryRepository) EnsurePendingIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := issuanceKey(customerID, tierID)
	if rec, ok := r.issuances[key]; ok {
		cp := *rec
		return &cp, nil
	}
	now := time.Now().UTC()
	rec := &domain.IssuanceRecord{
		ID:            uuid.New(),
		CustomerID:    customerID,
		TierID:        tierID,
		Status:        domain.IssuancePending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.issuances[key] = rec
	cp := *rec
	return &cp, nil
}

// GetIssuance retrieves a record for one (customer, tier) pair.
func (r *MemoryRepository) GetIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.issuances[issuanceKey(customerID, tierID)]
	if !ok {
		return nil, ErrIssuanceNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) findIssuanceByID(id uuid.UUID) *domain.IssuanceRecord {
	for _, rec := range r.issuances {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

// MarkIssuanceIssued transitions a record to issued and stores the code.
func (r *MemoryRepository) MarkIssuanceIssued(ctx context.Context, id uuid.UUID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.findIssuanceByID(id)
	if rec == nil {
		return ErrIssuanceNotFound
	}
	if rec.Status == domain.IssuanceIssued {
		return ErrIssuanceAlreadyIssued
	}
	rec.Status = domain.IssuanceIssued
	rec.Code = code
	rec.LastError = ""
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordIssuanceFailure bumps attempts and schedules or abandons the retry.
func (r *MemoryRepository) RecordIssuanceFailure(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time, markFailed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.findIssuanceByID(id)
	if rec == nil {
		return ErrIssuanceNotFound
	}
	if rec.Status != domain.IssuancePending {
		return ErrIssuanceNotFound
	}
	rec.Attempts++
	rec.LastError = reason
	rec.NextAttemptAt = nextAttemptAt.UTC()
	if markFailed {
		rec.Status = domain.IssuanceFailed
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ListDuePendingIssuances returns pending records due for retry, oldest first.
func (r *MemoryRepository) ListDuePendingIssuances(ctx context.Context, limit int, now time.Time) ([]domain.IssuanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.IssuanceRecord
	for _, rec := range r.issuances {
		if rec.Status == domain.IssuancePending && !rec.NextAttemptAt.After(now) {
			due = append(due, *rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListFailedIssuances returns failed records, most recent first.
func (r *MemoryRepository) ListFailedIssuances(ctx context.Context, limit int) ([]domain.IssuanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []domain.IssuanceRecord
	for _, rec := range r.issuances {
		if rec.Status == domain.IssuanceFailed {
			failed = append(failed, *rec)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.After(failed[j].UpdatedAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}
