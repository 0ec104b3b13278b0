package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/facturacloud/billing-service/internal/domain"
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type publisherStub struct {
	err       error
	published chan publishedEvent
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.published <- publishedEvent{exchange: exchange, routingKey: routingKey, body: body}
	return p.err
}

func (p *publisherStub) Close() {}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func manualFixture() (*domain.PaymentAttempt, *domain.Tenant) {
	attempt := &domain.PaymentAttempt{
		ID:       uuid.MustParse("7b0f6c55-3c1a-4c55-9e55-1c2f0a1b2c3d"),
		Plan:     domain.PlanSemiannual,
		Amount:   decimal.RequireFromString("59.9"),
		Currency: "USD",
		Method:   domain.MethodDeferred,
		State:    domain.AttemptPendingManual,
	}
	tenant := &domain.Tenant{ID: 12, TaxID: "1790012345001", BusinessName: "Comercial Andina S.A."}
	return attempt, tenant
}

func waitForPublish(t *testing.T, pub *publisherStub) publishedEvent {
	t.Helper()
	select {
	case ev := <-pub.published:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was published")
		return publishedEvent{}
	}
}

func TestManualChannel_PublishesEvent(t *testing.T) {
	pub := &publisherStub{published: make(chan publishedEvent, 1)}
	channel := NewManualChannel(pub, "billing.manual_payments", "manual_payment.requested", time.Second, discardLogger())
	attempt, tenant := manualFixture()

	channel.Dispatch(attempt, tenant)

	ev := waitForPublish(t, pub)
	if ev.exchange != "billing.manual_payments" || ev.routingKey != "manual_payment.requested" {
		t.Fatalf("unexpected destination %s/%s", ev.exchange, ev.routingKey)
	}
	event, ok := ev.body.(domain.ManualPaymentRequestedEvent)
	if !ok {
		t.Fatalf("unexpected body type %T", ev.body)
	}
	if event.AttemptID != attempt.ID.String() || event.TenantID != 12 || event.Amount != "59.90" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestManualChannel_LogsPublishFailure(t *testing.T) {
	pub := &publisherStub{err: errors.New("channel closed"), published: make(chan publishedEvent, 1)}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	channel := NewManualChannel(pub, "billing.manual_payments", "manual_payment.requested", time.Second, logger)
	attempt, tenant := manualFixture()

	channel.Dispatch(attempt, tenant)
	waitForPublish(t, pub)

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "channel closed") {
		if time.Now().After(deadline) {
			t.Fatalf("expected the failure to be logged, got %q", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFormatManualPaymentMessage(t *testing.T) {
	attempt, tenant := manualFixture()

	msg := FormatManualPaymentMessage(attempt, tenant)

	plan, _ := domain.LookupPlan(string(domain.PlanSemiannual))
	for _, want := range []string{plan.Name, "59.90 USD", "Comercial Andina S.A.", "1790012345001", attempt.ID.String()} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q is missing %q", msg, want)
		}
	}
}
