/**
 * @description
 * This file implements the data access layer for the billing service.
 * Tenants, admin credentials, customers and payment attempts live in Postgres;
 * all multi-row changes run inside a single pgx transaction.
 */
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturacloud/billing-service/internal/domain"
)

var (
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrAttemptNotFound       = errors.New("payment attempt not found")
	ErrConflict              = errors.New("unique constraint conflict")
	ErrRoleConflict          = errors.New("email is registered with a different role")
	ErrSettlementConflict    = errors.New("attempt already settled with a different reference")
	ErrAttemptClosed         = errors.New("payment attempt cannot transition from its current state")
	ErrAttemptNotLinked      = errors.New("payment attempt has no tenant yet")
	ErrAttemptTenantMismatch = errors.New("payment attempt belongs to another tenant")
)

// UpsertResult tells whether an upsert inserted a new row or updated an existing one.
type UpsertResult string

const (
	Created UpsertResult = "CREATED"
	Updated UpsertResult = "UPDATED"
)

func upsertResult(inserted bool) UpsertResult {
	if inserted {
		return Created
	}
	return Updated
}

// ExtendFunc computes a new subscription window from the locked tenant's current end.
type ExtendFunc func(currentEnd *time.Time) (domain.PeriodExtension, error)

// Repository handles database operations for tenants and payments.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// inTx runs fn in a transaction, rolling back on any error.
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// mapError folds driver errors into the package's sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return errors.Join(ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// applyExtension writes an accumulator result onto a locked tenant row. A
// non-nil plan also switches the tenant to that plan and its default features.
func applyExtension(ctx context.Context, tx pgx.Tx, tenant *domain.Tenant, extend ExtendFunc, plan *domain.PlanDetails) (*domain.Tenant, error) {
	ext, err := extend(tenant.SubscriptionEnd)
	if err != nil {
		return nil, err
	}

	start := tenant.SubscriptionStart
	if ext.Restarted || start == nil {
		base := ext.Base
		start = &base
	}

	planCode, features := string(tenant.Plan), tenant.Features
	if plan != nil {
		planCode, features = string(plan.Code), plan.Features
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	query := `
		UPDATE tenants SET
			is_active = $2,
			subscription_start = $3,
			subscription_end = $4,
			subscription_status = $5,
			plan = $6,
			features = $7::jsonb,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + tenantColumns
	return scanTenant(tx.QueryRow(ctx, query,
		tenant.ID,
		ext.Activated,
		*start,
		ext.NewEnd,
		string(domain.StatusActive),
		planCode,
		string(encoded),
	))
}
