package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

const pendingAttemptsLimit = 200

// ExtendSubscription adds months to a tenant's subscription on behalf of an operator.
// When an attempt is named, that pending manual payment is confirmed in the same transaction.
func (s *Service) ExtendSubscription(ctx context.Context, req domain.AdminExtensionRequest) (*time.Time, error) {
	if req.TenantID <= 0 {
		return nil, &ValidationError{Field: "tenant_id", Message: "must be a positive integer"}
	}
	if req.Months <= 0 || req.Months > domain.MaxExtensionMonths {
		return nil, domain.ErrInvalidDuration
	}

	if _, err := s.repo.GetTenantByID(ctx, req.TenantID); err != nil {
		return nil, translateStoreError("get tenant", err)
	}

	var tenant *domain.Tenant
	attemptID := strings.TrimSpace(req.AttemptID)
	if attemptID != "" {
		id, err := uuid.Parse(attemptID)
		if err != nil {
			return nil, &ValidationError{Field: "attempt_id", Message: "must be a valid UUID"}
		}
		reference := strings.TrimSpace(req.SettlementReference)
		if reference == "" {
			return nil, &ValidationError{Field: "settlement_reference", Message: "is required when confirming a payment"}
		}

		tenantID := req.TenantID
		result, err := s.repo.ConfirmAttempt(ctx, store.ConfirmParams{
			AttemptID:           id,
			SettlementReference: reference,
			ExpectedTenantID:    &tenantID,
			AllowedStates:       []domain.AttemptState{domain.AttemptPendingManual},
			Extend:              s.extendBy(req.Months),
		})
		if err != nil {
			return nil, translateSettlementError("confirm manual payment", err)
		}
		if !result.Applied {
			s.logger.Info("manual payment already confirmed", "attempt_id", id, "tenant_id", req.TenantID)
		}
		tenant = result.Tenant
	} else {
		extended, err := s.repo.ExtendTenantSubscription(ctx, req.TenantID, s.extendBy(req.Months))
		if err != nil {
			return nil, translateStoreError("extend subscription", err)
		}
		tenant = extended
	}

	s.logger.Info("subscription extended by operator",
		"tenant_id", tenant.ID, "months", req.Months, "subscription_end", tenant.SubscriptionEnd)
	return tenant.SubscriptionEnd, nil
}

// DeactivateTenant soft-disables a tenant. Its subscription window is kept.
func (s *Service) DeactivateTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error) {
	if tenantID <= 0 {
		return nil, &ValidationError{Field: "tenant_id", Message: "must be a positive integer"}
	}
	tenant, err := s.repo.DeactivateTenant(ctx, tenantID)
	if err != nil {
		return nil, translateStoreError("deactivate tenant", err)
	}
	s.logger.Info("tenant deactivated", "tenant_id", tenantID)
	return tenant, nil
}

// ListPendingManualAttempts returns the manual payments waiting for an operator.
func (s *Service) ListPendingManualAttempts(ctx context.Context) ([]domain.PaymentAttempt, error) {
	attempts, err := s.repo.ListAttemptsByState(ctx, domain.AttemptPendingManual, pendingAttemptsLimit)
	if err != nil {
		return nil, translateStoreError("list pending attempts", err)
	}
	return attempts, nil
}
