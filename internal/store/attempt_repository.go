package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/facturacloud/billing-service/internal/domain"
)

const attemptColumns = `id::text, tenant_id, plan, amount::text, currency, method, state,
	gateway_order_id, settlement_reference, failure_reason, created_at, updated_at, confirmed_at`

// ConfirmParams describes a settlement confirmation.
type ConfirmParams struct {
	AttemptID           uuid.UUID
	SettlementReference string
	// ExpectedTenantID, when set, must match the attempt's tenant.
	ExpectedTenantID *int64
	// AllowedStates lists the non-terminal states this confirmation may close.
	AllowedStates []domain.AttemptState
	Extend        ExtendFunc
}

// ConfirmResult is the outcome of ConfirmAttempt. Applied is false when the
// attempt had already been confirmed with the same reference.
type ConfirmResult struct {
	Attempt *domain.PaymentAttempt
	Tenant  *domain.Tenant
	Applied bool
}

// CreatePaymentAttempt inserts a new attempt.
func (r *Repository) CreatePaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (id, tenant_id, plan, amount, currency, method, state,
			gateway_order_id, settlement_reference)
		VALUES ($1::uuid, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	err := r.db.QueryRow(ctx, query,
		a.ID.String(),
		a.TenantID,
		string(a.Plan),
		a.Amount.StringFixed(2),
		a.Currency,
		string(a.Method),
		string(a.State),
		a.GatewayOrderID,
		a.SettlementReference,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapError(err)
}

// GetPaymentAttempt retrieves an attempt by id.
func (r *Repository) GetPaymentAttempt(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE id = $1::uuid`
	return scanAttempt(r.db.QueryRow(ctx, query, id.String()))
}

// FindAttemptByGatewayOrderID retrieves the attempt bound to a gateway order.
func (r *Repository) FindAttemptByGatewayOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE gateway_order_id = $1`
	return scanAttempt(r.db.QueryRow(ctx, query, orderID))
}

// ListAttemptsByState returns the oldest attempts in the given state.
func (r *Repository) ListAttemptsByState(ctx context.Context, state domain.AttemptState, limit int) ([]domain.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE state = $1
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// AttachAttemptTenant links an attempt to the tenant provisioned for it.
func (r *Repository) AttachAttemptTenant(ctx context.Context, attemptID uuid.UUID, tenantID int64) error {
	query := `
		UPDATE payment_attempts SET tenant_id = $2, updated_at = NOW()
		WHERE id = $1::uuid AND (tenant_id IS NULL OR tenant_id = $2)`
	tag, err := r.db.Exec(ctx, query, attemptID.String(), tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPaymentAttempt(ctx, attemptID); err != nil {
			return err
		}
		return ErrAttemptTenantMismatch
	}
	return nil
}

// RecordSettlement stores the gateway's settlement reference on an attempt that is
// still awaiting the gateway. Recording the same reference twice is a no-op.
func (r *Repository) RecordSettlement(ctx context.Context, attemptID uuid.UUID, reference string) (*domain.PaymentAttempt, error) {
	var out *domain.PaymentAttempt
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		attempt, err := lockAttempt(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if attempt.SettlementReference != nil {
			if *attempt.SettlementReference != reference {
				return ErrSettlementConflict
			}
			out = attempt
			return nil
		}
		if attempt.State != domain.AttemptAwaitingGateway {
			return ErrAttemptClosed
		}

		query := `
			UPDATE payment_attempts SET settlement_reference = $2, updated_at = NOW()
			WHERE id = $1::uuid
			RETURNING ` + attemptColumns
		out, err = scanAttempt(tx.QueryRow(ctx, query, attemptID.String(), reference))
		return mapError(err)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailPaymentAttempt marks a non-terminal attempt as failed. Attempts holding a
// settlement reference have money captured and are never failed.
func (r *Repository) FailPaymentAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error {
	query := `
		UPDATE payment_attempts SET state = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1::uuid
			AND state NOT IN ('CONFIRMED', 'FAILED')
			AND settlement_reference IS NULL`
	tag, err := r.db.Exec(ctx, query, attemptID.String(), string(domain.AttemptFailed), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPaymentAttempt(ctx, attemptID); err != nil {
			return err
		}
		return ErrAttemptClosed
	}
	return nil
}

// FailStaleGatewayAttempts fails attempts that have waited on the gateway since before olderThan.
func (r *Repository) FailStaleGatewayAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE payment_attempts
		SET state = 'FAILED', failure_reason = 'gateway confirmation timed out', updated_at = NOW()
		WHERE state = 'AWAITING_GATEWAY'
			AND settlement_reference IS NULL
			AND created_at < $1`
	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ConfirmAttempt moves an attempt to CONFIRMED and extends its tenant's
// subscription in the same transaction, holding row locks on both.
func (r *Repository) ConfirmAttempt(ctx context.Context, p ConfirmParams) (*ConfirmResult, error) {
	var result ConfirmResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		attempt, err := lockAttempt(ctx, tx, p.AttemptID)
		if err != nil {
			return err
		}

		if attempt.State == domain.AttemptConfirmed {
			if attempt.SettlementReference == nil || *attempt.SettlementReference != p.SettlementReference {
				return ErrSettlementConflict
			}
			result.Attempt = attempt
			if attempt.TenantID != nil {
				result.Tenant, err = scanTenant(tx.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, *attempt.TenantID))
			}
			return err
		}

		if !stateAllowed(attempt.State, p.AllowedStates) {
			return ErrAttemptClosed
		}
		if attempt.SettlementReference != nil && *attempt.SettlementReference != p.SettlementReference {
			return ErrSettlementConflict
		}
		if attempt.TenantID == nil {
			return ErrAttemptNotLinked
		}
		if p.ExpectedTenantID != nil && *p.ExpectedTenantID != *attempt.TenantID {
			return ErrAttemptTenantMismatch
		}

		tenant, err := lockTenant(ctx, tx, *attempt.TenantID)
		if err != nil {
			return err
		}
		// The purchased plan takes effect with the payment, not at registration.
		var plan *domain.PlanDetails
		if details, ok := domain.LookupPlan(string(attempt.Plan)); ok {
			plan = &details
		}
		result.Tenant, err = applyExtension(ctx, tx, tenant, p.Extend, plan)
		if err != nil {
			return err
		}

		query := `
			UPDATE payment_attempts SET
				state = $2,
				settlement_reference = $3,
				confirmed_at = NOW(),
				updated_at = NOW()
			WHERE id = $1::uuid
			RETURNING ` + attemptColumns
		result.Attempt, err = scanAttempt(tx.QueryRow(ctx, query, p.AttemptID.String(), string(domain.AttemptConfirmed), p.SettlementReference))
		if err != nil {
			return mapError(err)
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func stateAllowed(state domain.AttemptState, allowed []domain.AttemptState) bool {
	for _, s := range allowed {
		if s == state {
			return true
		}
	}
	return false
}

func lockAttempt(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE id = $1::uuid FOR UPDATE`
	return scanAttempt(tx.QueryRow(ctx, query, id.String()))
}

func scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var id, plan, amount, method, state string

	err := row.Scan(
		&id,
		&a.TenantID,
		&plan,
		&amount,
		&a.Currency,
		&method,
		&state,
		&a.GatewayOrderID,
		&a.SettlementReference,
		&a.FailureReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode attempt id: %w", err)
	}
	if a.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode attempt amount: %w", err)
	}
	a.Plan = domain.Plan(plan)
	a.Method = domain.PaymentMethod(method)
	a.State = domain.AttemptState(state)
	return &a, nil
}
