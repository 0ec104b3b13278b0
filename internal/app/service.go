/**
 * @description
 * This file contains the core business logic for the billing service.
 * The Service orchestrates the two payment paths (instant gateway capture and
 * deferred manual confirmation) into a single tenant activation effect.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
	"github.com/facturacloud/billing-service/pkg/paypal"
)

// Repository defines the database operations that the service needs.
type Repository interface {
	ProvisioningRepository

	GetTenantByID(ctx context.Context, id int64) (*domain.Tenant, error)
	ExtendTenantSubscription(ctx context.Context, tenantID int64, extend store.ExtendFunc) (*domain.Tenant, error)
	DeactivateTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error)
	GetCredentialByEmail(ctx context.Context, email string) (*domain.AdminCredential, error)
	UpsertSuperAdmin(ctx context.Context, email, passwordHash string) (*domain.AdminCredential, store.UpsertResult, error)

	CreatePaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	GetPaymentAttempt(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)
	FindAttemptByGatewayOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error)
	ListAttemptsByState(ctx context.Context, state domain.AttemptState, limit int) ([]domain.PaymentAttempt, error)
	AttachAttemptTenant(ctx context.Context, attemptID uuid.UUID, tenantID int64) error
	RecordSettlement(ctx context.Context, attemptID uuid.UUID, reference string) (*domain.PaymentAttempt, error)
	FailPaymentAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error
	ConfirmAttempt(ctx context.Context, p store.ConfirmParams) (*store.ConfirmResult, error)
}

// PaymentGateway is the instant payment collaborator.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, referenceID string) (string, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Capture, error)
}

// ManualDispatcher hands a deferred payment over to a human operator.
type ManualDispatcher interface {
	Dispatch(attempt *domain.PaymentAttempt, tenant *domain.Tenant)
}

// ServiceConfig holds the tunables of the service.
type ServiceConfig struct {
	Currency   string
	BcryptCost int
}

// Service provides the business logic for registration, payment and subscription management.
type Service struct {
	repo        Repository
	provisioner *Provisioner
	gateway     PaymentGateway
	manual      ManualDispatcher
	tokens      *TokenIssuer
	logger      *slog.Logger
	currency    string
	now         func() time.Time
}

// NewService creates a new billing service.
func NewService(repo Repository, gateway PaymentGateway, manual ManualDispatcher, tokens *TokenIssuer, logger *slog.Logger, cfg ServiceConfig) *Service {
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		repo:        repo,
		provisioner: NewProvisioner(repo, cfg.BcryptCost, logger),
		gateway:     gateway,
		manual:      manual,
		tokens:      tokens,
		logger:      logger,
		currency:    currency,
		now:         time.Now,
	}
}

// Plans returns the plan catalogue.
func (s *Service) Plans() []domain.PlanDetails {
	return domain.Plans()
}

// Currency is the ISO code every plan is charged in.
func (s *Service) Currency() string {
	return s.currency
}

// extendBy returns the accumulator bound to the service clock.
func (s *Service) extendBy(months int) store.ExtendFunc {
	now := s.now()
	return func(currentEnd *time.Time) (domain.PeriodExtension, error) {
		return domain.ExtendPeriod(currentEnd, now, months)
	}
}

func (s *Service) newAttempt(plan domain.PlanDetails, method domain.PaymentMethod, state domain.AttemptState) (*domain.PaymentAttempt, error) {
	attempt := &domain.PaymentAttempt{
		ID:       uuid.New(),
		Plan:     plan.Code,
		Amount:   plan.Price,
		Currency: s.currency,
		Method:   method,
		State:    domain.AttemptCollecting,
	}
	if err := attempt.TransitionTo(state); err != nil {
		return nil, err
	}
	return attempt, nil
}

// GetSubscription summarises a tenant's billing state.
func (s *Service) GetSubscription(ctx context.Context, tenantID int64) (*domain.SubscriptionSummary, error) {
	tenant, err := s.repo.GetTenantByID(ctx, tenantID)
	if err != nil {
		return nil, translateStoreError("get tenant", err)
	}

	now := s.now()
	summary := &domain.SubscriptionSummary{
		TenantID:    tenant.ID,
		Plan:        tenant.Plan,
		Status:      tenant.EffectiveStatus(now),
		IsActive:    tenant.IsActive,
		PeriodStart: tenant.SubscriptionStart,
		PeriodEnd:   tenant.SubscriptionEnd,
	}
	if tenant.SubscriptionEnd != nil && tenant.SubscriptionEnd.After(now) {
		remaining := tenant.SubscriptionEnd.Sub(now)
		summary.DaysRemaining = int((remaining + 24*time.Hour - 1) / (24 * time.Hour))
	}
	return summary, nil
}

// Login verifies a credential and issues a session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	cred, err := s.repo.GetCredentialByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrCredentialNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", translateStoreError("get credential", err)
	}
	if !checkPassword(cred.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return s.tokens.Issue(cred)
}
