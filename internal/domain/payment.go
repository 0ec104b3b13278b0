package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod selects how a registration is paid.
type PaymentMethod string

const (
	// MethodInstant is a gateway capture (card or wallet).
	MethodInstant PaymentMethod = "INSTANT"
	// MethodDeferred is a bank transfer confirmed by an operator.
	MethodDeferred PaymentMethod = "DEFERRED"
)

// AttemptState is the position of a payment attempt in its state machine.
type AttemptState string

const (
	AttemptCollecting      AttemptState = "COLLECTING"
	AttemptAwaitingGateway AttemptState = "AWAITING_GATEWAY"
	AttemptPendingManual   AttemptState = "PENDING_MANUAL"
	AttemptConfirmed       AttemptState = "CONFIRMED"
	AttemptFailed          AttemptState = "FAILED"
)

// PaymentOutcome collapses the attempt state to what the caller cares about.
type PaymentOutcome string

const (
	OutcomePending   PaymentOutcome = "PENDING"
	OutcomeConfirmed PaymentOutcome = "CONFIRMED"
	OutcomeFailed    PaymentOutcome = "FAILED"
)

// PaymentAttempt records one try at paying for a plan.
type PaymentAttempt struct {
	ID                  uuid.UUID       `json:"id"`
	TenantID            *int64          `json:"tenant_id,omitempty"`
	Plan                Plan            `json:"plan"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Method              PaymentMethod   `json:"method"`
	State               AttemptState    `json:"state"`
	GatewayOrderID      *string         `json:"gateway_order_id,omitempty"`
	SettlementReference *string         `json:"settlement_reference,omitempty"`
	FailureReason       *string         `json:"failure_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	ConfirmedAt         *time.Time      `json:"confirmed_at,omitempty"`
}

// Outcome projects the state onto PENDING, CONFIRMED or FAILED.
func (a *PaymentAttempt) Outcome() PaymentOutcome {
	switch a.State {
	case AttemptConfirmed:
		return OutcomeConfirmed
	case AttemptFailed:
		return OutcomeFailed
	default:
		return OutcomePending
	}
}

// IsTerminal reports whether no further transition is allowed.
func (a *PaymentAttempt) IsTerminal() bool {
	return a.State == AttemptConfirmed || a.State == AttemptFailed
}

var attemptTransitions = map[AttemptState][]AttemptState{
	AttemptCollecting:      {AttemptAwaitingGateway, AttemptPendingManual, AttemptFailed},
	AttemptAwaitingGateway: {AttemptConfirmed, AttemptFailed},
	AttemptPendingManual:   {AttemptConfirmed, AttemptFailed},
}

// CanTransition reports whether an attempt may move from one state to another.
func CanTransition(from, to AttemptState) bool {
	for _, next := range attemptTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the attempt to next, rejecting transitions the state machine forbids.
func (a *PaymentAttempt) TransitionTo(next AttemptState) error {
	if !CanTransition(a.State, next) {
		return fmt.Errorf("payment attempt %s: cannot move from %s to %s", a.ID, a.State, next)
	}
	a.State = next
	return nil
}

// ManualPaymentRequestedEvent is published to the operator channel when a
// deferred payment is registered.
type ManualPaymentRequestedEvent struct {
	AttemptID    string `json:"attempt_id"`
	TenantID     int64  `json:"tenant_id"`
	Plan         Plan   `json:"plan"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	BusinessName string `json:"business_name"`
	TaxID        string `json:"tax_id"`
	Message      string `json:"message"`
}
