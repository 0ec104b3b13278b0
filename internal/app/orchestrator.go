package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
	"github.com/facturacloud/billing-service/pkg/paypal"
)

const pendingManualMessage = "Your account was created. It will be activated once the bank transfer is confirmed."

// CreateGatewayOrder opens a gateway order for the exact price of the plan and
// records an attempt waiting on it.
func (s *Service) CreateGatewayOrder(ctx context.Context, planCode string) (*domain.GatewayOrder, error) {
	plan, ok := domain.LookupPlan(planCode)
	if !ok {
		return nil, &ValidationError{Field: "plan", Message: "must be MONTHLY, SEMIANNUAL or YEARLY"}
	}

	attempt, err := s.newAttempt(plan, domain.MethodInstant, domain.AttemptAwaitingGateway)
	if err != nil {
		return nil, err
	}

	orderID, err := s.gateway.CreateOrder(ctx, plan.Price, s.currency, attempt.ID.String())
	if err != nil {
		return nil, &GatewayError{Op: "create order", Err: err}
	}
	attempt.GatewayOrderID = &orderID

	if err := s.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, translateStoreError("create payment attempt", err)
	}

	s.logger.Info("gateway order created", "attempt_id", attempt.ID, "order_id", orderID, "plan", plan.Code)
	return &domain.GatewayOrder{
		AttemptID: attempt.ID.String(),
		OrderID:   orderID,
		Plan:      plan.Code,
		Amount:    plan.PriceString(),
		Currency:  s.currency,
	}, nil
}

// Register validates a registration and runs the branch selected by its payment method.
// Validation happens before any write.
func (s *Service) Register(ctx context.Context, req domain.RegistrationRequest) (*domain.RegistrationResponse, error) {
	preq, plan, err := normalizeRegistration(&req)
	if err != nil {
		return nil, err
	}

	if req.PaymentMethod == domain.MethodInstant {
		return s.registerInstant(ctx, preq, plan, req.SettlementReference)
	}
	return s.registerDeferred(ctx, preq, plan)
}

// registerInstant captures the client's approved gateway order server-side and
// activates the tenant only from the gateway's answer.
func (s *Service) registerInstant(ctx context.Context, preq ProvisionRequest, plan domain.PlanDetails, orderID string) (*domain.RegistrationResponse, error) {
	attempt, err := s.attemptForOrder(ctx, plan, orderID)
	if err != nil {
		return nil, err
	}
	if attempt.Plan != plan.Code {
		return nil, &ValidationError{Field: "plan", Message: "does not match the plan of the payment order"}
	}

	switch attempt.State {
	case domain.AttemptFailed:
		return nil, fmt.Errorf("attempt %s: %w", attempt.ID, ErrAttemptClosed)
	case domain.AttemptAwaitingGateway, domain.AttemptConfirmed:
	default:
		return nil, fmt.Errorf("attempt %s is %s: %w", attempt.ID, attempt.State, ErrAttemptClosed)
	}

	if attempt.SettlementReference == nil {
		attempt, err = s.captureAttempt(ctx, attempt, orderID)
		if err != nil {
			return nil, err
		}
	}
	reference := *attempt.SettlementReference

	provisioned, err := s.provisioner.Provision(ctx, preq)
	if err != nil {
		s.logger.Error("payment captured but tenant provisioning failed, manual refund required",
			"attempt_id", attempt.ID, "order_id", orderID, "capture_id", reference, "tax_id", preq.TaxID, "error", err)
		return nil, err
	}
	if err := s.repo.AttachAttemptTenant(ctx, attempt.ID, provisioned.Tenant.ID); err != nil {
		return nil, translateStoreError("attach attempt", err)
	}

	confirmed, err := s.Confirm(ctx, attempt.ID, reference)
	if err != nil {
		return nil, err
	}

	token, err := s.tokens.Issue(provisioned.Credential)
	if err != nil {
		return nil, fmt.Errorf("issue credential token: %w", err)
	}
	return &domain.RegistrationResponse{
		Success:         true,
		Tenant:          confirmed.Tenant,
		CredentialToken: token,
		AttemptID:       attempt.ID.String(),
		Outcome:         confirmed.Attempt.Outcome(),
	}, nil
}

// attemptForOrder loads the attempt bound to a gateway order, creating it when
// the order was opened without CreateGatewayOrder.
func (s *Service) attemptForOrder(ctx context.Context, plan domain.PlanDetails, orderID string) (*domain.PaymentAttempt, error) {
	attempt, err := s.repo.FindAttemptByGatewayOrderID(ctx, orderID)
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, store.ErrAttemptNotFound) {
		return nil, translateStoreError("find payment attempt", err)
	}

	attempt, err = s.newAttempt(plan, domain.MethodInstant, domain.AttemptAwaitingGateway)
	if err != nil {
		return nil, err
	}
	attempt.GatewayOrderID = &orderID
	if err := s.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another request registered the same order concurrently.
			existing, findErr := s.repo.FindAttemptByGatewayOrderID(ctx, orderID)
			if findErr != nil {
				return nil, translateStoreError("find payment attempt", findErr)
			}
			return existing, nil
		}
		return nil, translateStoreError("create payment attempt", err)
	}
	return attempt, nil
}

// captureAttempt captures the order and records the settlement reference. Any
// gateway failure fails the attempt without touching a tenant.
func (s *Service) captureAttempt(ctx context.Context, attempt *domain.PaymentAttempt, orderID string) (*domain.PaymentAttempt, error) {
	capture, err := s.gateway.CaptureOrder(ctx, orderID)
	if err == nil {
		err = verifyCapture(capture, attempt)
	}
	if err != nil {
		s.failAttempt(ctx, attempt.ID, err.Error())
		return nil, &GatewayError{Op: "capture order", Err: err}
	}

	recorded, err := s.repo.RecordSettlement(ctx, attempt.ID, capture.CaptureID)
	if err != nil {
		s.logger.Error("captured payment could not be recorded",
			"attempt_id", attempt.ID, "order_id", orderID, "capture_id", capture.CaptureID, "error", err)
		return nil, translateSettlementError("record settlement", err)
	}
	s.logger.Info("gateway payment captured", "attempt_id", attempt.ID, "order_id", orderID, "capture_id", capture.CaptureID)
	return recorded, nil
}

func verifyCapture(capture *paypal.Capture, attempt *domain.PaymentAttempt) error {
	if capture == nil || strings.TrimSpace(capture.CaptureID) == "" {
		return errors.New("gateway returned no settlement reference")
	}
	if capture.Status != paypal.StatusCompleted {
		return fmt.Errorf("capture status is %s", capture.Status)
	}
	if !strings.EqualFold(capture.Currency, attempt.Currency) || !capture.Amount.Equal(attempt.Amount) {
		return fmt.Errorf("captured %s %s does not match plan price %s %s",
			capture.Amount.StringFixed(2), capture.Currency, attempt.Amount.StringFixed(2), attempt.Currency)
	}
	return nil
}

func (s *Service) failAttempt(ctx context.Context, attemptID uuid.UUID, reason string) {
	if err := s.repo.FailPaymentAttempt(ctx, attemptID, reason); err != nil {
		s.logger.Warn("failed to mark payment attempt as failed", "attempt_id", attemptID, "error", err)
		return
	}
	s.logger.Info("payment attempt failed", "attempt_id", attemptID, "reason", reason)
}

// registerDeferred records a pending manual payment and provisions the tenant
// without activating it. Activation only happens through ExtendSubscription.
func (s *Service) registerDeferred(ctx context.Context, preq ProvisionRequest, plan domain.PlanDetails) (*domain.RegistrationResponse, error) {
	attempt, err := s.newAttempt(plan, domain.MethodDeferred, domain.AttemptPendingManual)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, translateStoreError("create payment attempt", err)
	}

	provisioned, err := s.provisioner.Provision(ctx, preq)
	if err != nil {
		s.failAttempt(ctx, attempt.ID, "provisioning failed")
		return nil, err
	}
	if err := s.repo.AttachAttemptTenant(ctx, attempt.ID, provisioned.Tenant.ID); err != nil {
		return nil, translateStoreError("attach attempt", err)
	}
	tenantID := provisioned.Tenant.ID
	attempt.TenantID = &tenantID

	s.manual.Dispatch(attempt, provisioned.Tenant)

	token, err := s.tokens.Issue(provisioned.Credential)
	if err != nil {
		return nil, fmt.Errorf("issue credential token: %w", err)
	}
	s.logger.Info("manual payment registered", "attempt_id", attempt.ID, "tenant_id", tenantID, "plan", plan.Code)
	return &domain.RegistrationResponse{
		Success:         true,
		Tenant:          provisioned.Tenant,
		CredentialToken: token,
		AttemptID:       attempt.ID.String(),
		Outcome:         attempt.Outcome(),
		Message:         pendingManualMessage,
	}, nil
}

// Confirm is the single entry point that turns a gateway settlement into an
// activation. Confirming an already confirmed attempt with the same reference
// is a no-op; manual attempts are confirmed through ExtendSubscription only.
func (s *Service) Confirm(ctx context.Context, attemptID uuid.UUID, reference string) (*store.ConfirmResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &ValidationError{Field: "settlement_reference", Message: "is required"}
	}

	attempt, err := s.repo.GetPaymentAttempt(ctx, attemptID)
	if err != nil {
		return nil, translateStoreError("get payment attempt", err)
	}
	plan, ok := domain.LookupPlan(string(attempt.Plan))
	if !ok {
		return nil, fmt.Errorf("attempt %s has unknown plan %q", attempt.ID, attempt.Plan)
	}

	result, err := s.repo.ConfirmAttempt(ctx, store.ConfirmParams{
		AttemptID:           attemptID,
		SettlementReference: reference,
		AllowedStates:       []domain.AttemptState{domain.AttemptAwaitingGateway},
		Extend:              s.extendBy(plan.Months),
	})
	if err != nil {
		return nil, translateSettlementError("confirm payment attempt", err)
	}

	if result.Applied {
		s.logger.Info("payment confirmed, subscription extended",
			"attempt_id", attemptID, "tenant_id", result.Tenant.ID, "months", plan.Months, "subscription_end", result.Tenant.SubscriptionEnd)
	} else {
		s.logger.Info("ignoring repeated settlement confirmation", "attempt_id", attemptID, "settlement_reference", reference)
	}
	return result, nil
}

// WebhookResult describes what a gateway notification changed.
type WebhookResult struct {
	AttemptID string `json:"attempt_id"`
	Applied   bool   `json:"applied"`
	// Deferred is true when the payment was recorded but the tenant is not provisioned yet;
	// the registration call completes the confirmation.
	Deferred bool `json:"deferred"`
}

// HandleGatewayWebhook processes an at-least-once capture notification.
func (s *Service) HandleGatewayWebhook(ctx context.Context, orderID, captureID string) (*WebhookResult, error) {
	orderID = strings.TrimSpace(orderID)
	captureID = strings.TrimSpace(captureID)
	if orderID == "" || captureID == "" {
		return nil, &ValidationError{Field: "order_id", Message: "and capture_id are required"}
	}

	attempt, err := s.repo.FindAttemptByGatewayOrderID(ctx, orderID)
	if err != nil {
		return nil, translateStoreError("find payment attempt", err)
	}

	recorded, err := s.repo.RecordSettlement(ctx, attempt.ID, captureID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptClosed) {
			s.logger.Error("capture received for a closed payment attempt, manual refund required",
				"attempt_id", attempt.ID, "order_id", orderID, "capture_id", captureID)
		}
		return nil, translateSettlementError("record settlement", err)
	}
	attempt = recorded

	result := &WebhookResult{AttemptID: attempt.ID.String()}
	if attempt.TenantID == nil {
		result.Deferred = true
		return result, nil
	}

	confirmed, err := s.Confirm(ctx, attempt.ID, captureID)
	if err != nil {
		return nil, err
	}
	result.Applied = confirmed.Applied
	return result, nil
}
