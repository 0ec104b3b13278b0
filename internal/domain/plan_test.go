package domain

import (
	"testing"
	"time"
)

func TestLookupPlan(t *testing.T) {
	tests := []struct {
		code       string
		wantOK     bool
		wantPrice  string
		wantMonths int
	}{
		{code: "MONTHLY", wantOK: true, wantPrice: "15.00", wantMonths: 1},
		{code: " semiannual ", wantOK: true, wantPrice: "75.00", wantMonths: 6},
		{code: "Yearly", wantOK: true, wantPrice: "120.00", wantMonths: 12},
		{code: "WEEKLY", wantOK: false},
		{code: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			plan, ok := LookupPlan(tt.code)
			if ok != tt.wantOK {
				t.Fatalf("expected ok=%t, got %t", tt.wantOK, ok)
			}
			if !ok {
				return
			}
			if plan.PriceString() != tt.wantPrice {
				t.Fatalf("expected price %s, got %s", tt.wantPrice, plan.PriceString())
			}
			if plan.Months != tt.wantMonths {
				t.Fatalf("expected %d months, got %d", tt.wantMonths, plan.Months)
			}
		})
	}
}

func TestLookupPlan_ReturnsIndependentFeatureMaps(t *testing.T) {
	first, _ := LookupPlan("YEARLY")
	first.Features[FeatureInventory] = false

	second, _ := LookupPlan("YEARLY")
	if !second.Features[FeatureInventory] {
		t.Fatal("mutating a looked-up plan must not change the catalogue")
	}
}

func TestAttemptTransitions(t *testing.T) {
	tests := []struct {
		from AttemptState
		to   AttemptState
		want bool
	}{
		{AttemptCollecting, AttemptAwaitingGateway, true},
		{AttemptCollecting, AttemptPendingManual, true},
		{AttemptCollecting, AttemptConfirmed, false},
		{AttemptAwaitingGateway, AttemptConfirmed, true},
		{AttemptAwaitingGateway, AttemptFailed, true},
		{AttemptAwaitingGateway, AttemptPendingManual, false},
		{AttemptPendingManual, AttemptConfirmed, true},
		{AttemptConfirmed, AttemptFailed, false},
		{AttemptFailed, AttemptConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			attempt := &PaymentAttempt{State: tt.from}
			err := attempt.TransitionTo(tt.to)
			if tt.want && err != nil {
				t.Fatalf("expected transition to be allowed, got %v", err)
			}
			if !tt.want {
				if err == nil {
					t.Fatal("expected transition to be rejected")
				}
				if attempt.State != tt.from {
					t.Fatalf("rejected transition changed state to %s", attempt.State)
				}
			}
		})
	}
}

func TestPaymentAttemptOutcome(t *testing.T) {
	tests := map[AttemptState]PaymentOutcome{
		AttemptCollecting:      OutcomePending,
		AttemptAwaitingGateway: OutcomePending,
		AttemptPendingManual:   OutcomePending,
		AttemptConfirmed:       OutcomeConfirmed,
		AttemptFailed:          OutcomeFailed,
	}
	for state, want := range tests {
		attempt := &PaymentAttempt{State: state}
		if got := attempt.Outcome(); got != want {
			t.Fatalf("state %s: expected outcome %s, got %s", state, want, got)
		}
		if attempt.IsTerminal() != (want != OutcomePending) {
			t.Fatalf("state %s: unexpected terminal flag", state)
		}
	}
}

func TestTenantEffectiveStatus(t *testing.T) {
	now := date(2025, time.March, 1)
	tests := []struct {
		name   string
		tenant Tenant
		want   SubscriptionStatus
	}{
		{name: "never activated", tenant: Tenant{SubscriptionStatus: StatusPastDue}, want: StatusPastDue},
		{name: "valid window", tenant: Tenant{SubscriptionStatus: StatusActive, SubscriptionEnd: ptr(date(2025, time.April, 1))}, want: StatusActive},
		{name: "elapsed window", tenant: Tenant{SubscriptionStatus: StatusActive, SubscriptionEnd: ptr(date(2025, time.February, 1))}, want: StatusPastDue},
		{name: "cancelled wins", tenant: Tenant{SubscriptionStatus: StatusCancelled, SubscriptionEnd: ptr(date(2026, time.January, 1))}, want: StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tenant.EffectiveStatus(now); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
