package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/pkg/rabbitmq"
)

// ManualChannel hands deferred payments to the operators through the message broker.
// Dispatch never blocks registration and never reports failure to the caller.
type ManualChannel struct {
	publisher  rabbitmq.Publisher
	exchange   string
	routingKey string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewManualChannel creates a manual channel publishing to exchange with routingKey.
func NewManualChannel(publisher rabbitmq.Publisher, exchange, routingKey string, timeout time.Duration, logger *slog.Logger) *ManualChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ManualChannel{
		publisher:  publisher,
		exchange:   exchange,
		routingKey: routingKey,
		timeout:    timeout,
		logger:     logger,
	}
}

// Dispatch publishes the manual payment request in the background.
func (m *ManualChannel) Dispatch(attempt *domain.PaymentAttempt, tenant *domain.Tenant) {
	event := NewManualPaymentEvent(attempt, tenant)
	go func() {
		if err := m.publish(event); err != nil {
			m.logger.Error("failed to hand manual payment to operators",
				"attempt_id", event.AttemptID, "tenant_id", event.TenantID, "error", err)
		}
	}()
}

func (m *ManualChannel) publish(event domain.ManualPaymentRequestedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if err := m.publisher.Publish(ctx, m.exchange, m.routingKey, event); err != nil {
		return err
	}
	m.logger.Info("manual payment handed to operators", "attempt_id", event.AttemptID, "tenant_id", event.TenantID)
	return nil
}

// NewManualPaymentEvent builds the operator event for a deferred attempt.
func NewManualPaymentEvent(attempt *domain.PaymentAttempt, tenant *domain.Tenant) domain.ManualPaymentRequestedEvent {
	event := domain.ManualPaymentRequestedEvent{
		AttemptID:    attempt.ID.String(),
		Plan:         attempt.Plan,
		Amount:       attempt.Amount.StringFixed(2),
		Currency:     attempt.Currency,
		BusinessName: tenant.BusinessName,
		TaxID:        tenant.TaxID,
	}
	event.TenantID = tenant.ID
	event.Message = FormatManualPaymentMessage(attempt, tenant)
	return event
}

// FormatManualPaymentMessage renders the plain-text note an operator reads.
func FormatManualPaymentMessage(attempt *domain.PaymentAttempt, tenant *domain.Tenant) string {
	planName := string(attempt.Plan)
	if plan, ok := domain.LookupPlan(planName); ok {
		planName = plan.Name
	}

	var b strings.Builder
	b.WriteString("Hello, I want to subscribe by bank transfer.\n")
	fmt.Fprintf(&b, "Plan: %s (%s %s)\n", planName, attempt.Amount.StringFixed(2), attempt.Currency)
	fmt.Fprintf(&b, "Business: %s\n", tenant.BusinessName)
	fmt.Fprintf(&b, "Tax ID: %s\n", tenant.TaxID)
	fmt.Fprintf(&b, "Reference: %s", attempt.ID)
	return b.String()
}
