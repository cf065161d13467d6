/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Per-customer serialization for the ledger operations is achieved
 * with a row lock on the account row (SELECT ... FOR UPDATE) inside a single
 * transaction, so concurrent applies for the same customer queue up on the
 * lock while applies for different customers proceed in parallel. Transient
 * serialization failures are retried a bounded number of times before being
 * surfaced as ErrLedgerConflict.
 *
 * Expected tables:
 *   loyalty_accounts(customer_id pk, balance, entitlement_consumed, created_at, updated_at)
 *   loyalty_applied_events(customer_id, event_id, seq bigserial, applied_at, pk(customer_id, event_id))
 *   loyalty_issued_tiers(customer_id, tier_id, issued_at, pk(customer_id, tier_id))
 *   reward_issuances(id uuid pk, customer_id, tier_id, code, status, attempts,
 *                    last_error, next_attempt_at, created_at, updated_at,
 *                    unique(customer_id, tier_id))
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/perkline/loyalty-service/internal/domain"
)

const applyConflictRetries = 3

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
	// appliedEventRetention bounds the per-customer applied-event-id set to
	// the most recent N entries. A duplicate older than the retention horizon
	// can be mis-applied; this is a documented approximation, not a hard
	// guarantee.
	appliedEventRetention int
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, appliedEventRetention int) *PostgresRepository {
	if appliedEventRetention <= 0 {
		appliedEventRetention = 1000
	}
	return &PostgresRepository{db: db, appliedEventRetention: appliedEventRetention}
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// ApplyEvent atomically deduplicates and applies one event for a customer.
func (r *PostgresRepository) ApplyEvent(ctx context.Context, customerID, eventID string, delta int64) (*ApplyResult, error) {
	var result *ApplyResult
	var err error
	for attempt := 0; attempt < applyConflictRetries; attempt++ {
		result, err = r.applyEventOnce(ctx, customerID, eventID, delta)
		if err == nil {
			return result, nil
		}
		if !isSerializationFailure(err) {
			return nil, err
		}
	}
	return nil, errors.Join(ErrLedgerConflict, err)
}

func (r *PostgresRepository) applyEventOnce(ctx context.Context, customerID, eventID string, delta int64) (*ApplyResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO loyalty_accounts (customer_id, balance, entitlement_consumed, created_at, updated_at)
		VALUES ($1, 0, FALSE, NOW(), NOW())
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID); err != nil {
		return nil, err
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM loyalty_accounts WHERE customer_id = $1 FOR UPDATE`,
		customerID,
	).Scan(&balance); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO loyalty_applied_events (customer_id, event_id, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (customer_id, event_id) DO NOTHING
	`, customerID, eventID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Duplicate delivery: expected under at-least-once transport.
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &ApplyResult{OldBalance: balance, NewBalance: balance, Applied: false}, nil
	}

	newBalance := balance
	if delta != 0 {
		if err := tx.QueryRow(ctx, `
			UPDATE loyalty_accounts
			SET balance = balance + $2, updated_at = NOW()
			WHERE customer_id = $1
			RETURNING balance
		`, customerID, delta).Scan(&newBalance); err != nil {
			return nil, err
		}
	}

	// Rotate out applied-event ids beyond the retention window, oldest first.
	if _, err := tx.Exec(ctx, `
		DELETE FROM loyalty_applied_events
		WHERE customer_id = $1
		  AND seq < (
			SELECT COALESCE(MIN(seq), 0) FROM (
				SELECT seq FROM loyalty_applied_events
				WHERE customer_id = $1
				ORDER BY seq DESC
				LIMIT $2
			) recent
		  )
	`, customerID, r.appliedEventRetention); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ApplyResult{OldBalance: balance, NewBalance: newBalance, Applied: true}, nil
}

// GetAccount retrieves a loyalty account together with its issued tier set.
func (r *PostgresRepository) GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error) {
	var account domain.LoyaltyAccount
	err := r.db.QueryRow(ctx, `
		SELECT customer_id, balance, entitlement_consumed, created_at, updated_at
		FROM loyalty_accounts
		WHERE customer_id = $1
	`, customerID).Scan(&account.CustomerID, &account.Balance, &account.EntitlementConsumed, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT tier_id FROM loyalty_issued_tiers WHERE customer_id = $1 ORDER BY issued_at`,
		customerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tierID domain.TierID
		if err := rows.Scan(&tierID); err != nil {
			return nil, err
		}
		account.IssuedTiers = append(account.IssuedTiers, tierID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &account, nil
}

// MarkTierIssued records a tier as issued for a customer. Idempotent.
func (r *PostgresRepository) MarkTierIssued(ctx context.Context, customerID string, tierID domain.TierID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO loyalty_issued_tiers (customer_id, tier_id, issued_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (customer_id, tier_id) DO NOTHING
	`, customerID, tierID)
	return err
}

// RedeemEntitlement consumes the free-product entitlement under the account row lock.
func (r *PostgresRepository) RedeemEntitlement(ctx context.Context, customerID string, cost int64) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	var consumed bool
	err = tx.QueryRow(ctx,
		`SELECT balance, entitlement_consumed FROM loyalty_accounts WHERE customer_id = $1 FOR UPDATE`,
		customerID,
	).Scan(&balance, &consumed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	if consumed {
		return 0, ErrEntitlementAlreadyConsumed
	}

	var issued bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loyalty_issued_tiers WHERE customer_id = $1 AND tier_id = $2
		)
	`, customerID, domain.TierFreeProduct).Scan(&issued); err != nil {
		return 0, err
	}
	if !issued {
		return 0, ErrEntitlementNotIssued
	}
	if balance < cost {
		return 0, ErrInsufficientPoints
	}

	var newBalance int64
	if err := tx.QueryRow(ctx, `
		UPDATE loyalty_accounts
		SET balance = balance - $2, entitlement_consumed = TRUE, updated_at = NOW()
		WHERE customer_id = $1
		RETURNING balance
	`, customerID, cost).Scan(&newBalance); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// EnsurePendingIssuance creates a pending issuance record for (customer, tier)
// if none exists, otherwise returns the existing record unchanged.
func (r *PostgresRepository) EnsurePendingIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error) {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO reward_issuances (id, customer_id, tier_id, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, NOW(), NOW(), NOW())
		ON CONFLICT (customer_id, tier_id) DO NOTHING
	`, uuid.New(), customerID, tierID); err != nil {
		return nil, err
	}
	return r.GetIssuance(ctx, customerID, tierID)
}

// GetIssuance retrieves the issuance record for a (customer, tier) pair.
func (r *PostgresRepository) GetIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error) {
	var rec domain.IssuanceRecord
	err := r.db.QueryRow(ctx, `
		SELECT id, customer_id, tier_id, COALESCE(code, ''), status, attempts,
		       COALESCE(last_error, ''), next_attempt_at, created_at, updated_at
		FROM reward_issuances
		WHERE customer_id = $1 AND tier_id = $2
	`, customerID, tierID).Scan(
		&rec.ID, &rec.CustomerID, &rec.TierID, &rec.Code, &rec.Status,
		&rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIssuanceNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// MarkIssuanceIssued transitions a pending record to issued. Issued records
// are immutable, so the update is guarded on the current status.
func (r *PostgresRepository) MarkIssuanceIssued(ctx context.Context, id uuid.UUID, code string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE reward_issuances
		SET status = 'issued', code = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> 'issued'
	`, id, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM reward_issuances WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrIssuanceNotFound
		}
		return ErrIssuanceAlreadyIssued
	}
	return nil
}

// RecordIssuanceFailure bumps the attempt counter and either schedules the
// next retry or marks the record failed for manual intervention.
func (r *PostgresRepository) RecordIssuanceFailure(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time, markFailed bool) error {
	status := string(domain.IssuancePending)
	if markFailed {
		status = string(domain.IssuanceFailed)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE reward_issuances
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3,
		    status = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, reason, nextAttemptAt.UTC(), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIssuanceNotFound
	}
	return nil
}

// ListDuePendingIssuances returns pending records whose retry time has come.
func (r *PostgresRepository) ListDuePendingIssuances(ctx context.Context, limit int, now time.Time) ([]domain.IssuanceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, tier_id, COALESCE(code, ''), status, attempts,
		       COALESCE(last_error, ''), next_attempt_at, created_at, updated_at
		FROM reward_issuances
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIssuanceRows(rows)
}

// ListFailedIssuances returns failed records, most recent first.
func (r *PostgresRepository) ListFailedIssuances(ctx context.Context, limit int) ([]domain.IssuanceRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, customer_id, tier_id, COALESCE(code, ''), status, attempts,
		       COALESCE(last_error, ''), next_attempt_at, created_at, updated_at
		FROM reward_issuances
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIssuanceRows(rows)
}

func scanIssuanceRows(rows pgx.Rows) ([]domain.IssuanceRecord, error) {
	var records []domain.IssuanceRecord
	for rows.Next() {
		var rec domain.IssuanceRecord
		if err := rows.Scan(
			&rec.ID, &rec.CustomerID, &rec.TierID, &rec.Code, &rec.Status,
			&rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
