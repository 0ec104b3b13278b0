package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

// memRepo is an in-memory Repository mirroring the Postgres store's semantics.
type memRepo struct {
	mu          sync.Mutex
	tenants     map[int64]*domain.Tenant
	credentials map[string]*domain.AdminCredential
	customers   map[string]*domain.CustomerRecord
	attempts    map[uuid.UUID]*domain.PaymentAttempt
	nextID      int64
	writes      int

	provisionErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		tenants:     map[int64]*domain.Tenant{},
		credentials: map[string]*domain.AdminCredential{},
		customers:   map[string]*domain.CustomerRecord{},
		attempts:    map[uuid.UUID]*domain.PaymentAttempt{},
	}
}

func (m *memRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memRepo) upsertResult(created bool) store.UpsertResult {
	if created {
		return store.Created
	}
	return store.Updated
}

func (m *memRepo) Provision(ctx context.Context, p store.ProvisionParams) (*store.ProvisionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.provisionErr != nil {
		return nil, m.provisionErr
	}

	var tenant *domain.Tenant
	for _, t := range m.tenants {
		if t.TaxID == p.Tenant.TaxID {
			tenant = t
		}
	}
	existingCred := m.credentials[p.Credential.Email]
	if p.Verify != nil {
		var credCopy *domain.AdminCredential
		if existingCred != nil {
			credCopy = cloneCredential(existingCred)
		}
		if err := p.Verify(cloneTenant(tenant), credCopy); err != nil {
			return nil, err
		}
	}
	if existingCred != nil && existingCred.Role != p.Credential.Role {
		return nil, store.ErrRoleConflict
	}
	m.writes++

	tenantCreated := tenant == nil
	if tenantCreated {
		tenant = &domain.Tenant{
			ID:                 m.id(),
			TaxID:              p.Tenant.TaxID,
			Plan:               p.Tenant.Plan,
			Features:           p.Tenant.Features,
			SubscriptionStatus: domain.StatusPastDue,
			CreatedAt:          time.Now(),
		}
		m.tenants[tenant.ID] = tenant
	}
	tenant.BusinessName = p.Tenant.BusinessName
	tenant.Email = p.Tenant.Email
	tenant.Phone = p.Tenant.Phone
	tenant.Address = p.Tenant.Address
	tenant.RequiresAccounting = p.Tenant.RequiresAccounting
	tenant.IsProduction = p.Tenant.IsProduction

	tenantID := tenant.ID
	cred, credCreated := m.credentials[p.Credential.Email], false
	if cred == nil {
		cred = &domain.AdminCredential{ID: m.id(), Email: p.Credential.Email, Role: p.Credential.Role}
		m.credentials[cred.Email] = cred
		credCreated = true
	}
	cred.TenantID = &tenantID
	cred.PasswordHash = p.Credential.PasswordHash

	result := &store.ProvisionResult{
		Tenant:           cloneTenant(tenant),
		TenantResult:     m.upsertResult(tenantCreated),
		Credential:       cloneCredential(cred),
		CredentialResult: m.upsertResult(credCreated),
	}

	if p.Customer != nil {
		key := fmt.Sprintf("%s/%d", p.Customer.Identification, tenantID)
		customer, customerCreated := m.customers[key], false
		if customer == nil {
			customer = &domain.CustomerRecord{ID: m.id(), TenantID: tenantID, Identification: p.Customer.Identification}
			m.customers[key] = customer
			customerCreated = true
		}
		customer.Name = p.Customer.Name
		c := *customer
		result.Customer = &c
		result.CustomerResult = m.upsertResult(customerCreated)
	}
	return result, nil
}

func (m *memRepo) UpsertSuperAdmin(ctx context.Context, email, passwordHash string) (*domain.AdminCredential, store.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[email]
	if ok && cred.Role != domain.RoleSuperAdmin {
		return nil, "", store.ErrRoleConflict
	}
	m.writes++
	if !ok {
		cred = &domain.AdminCredential{ID: m.id(), Email: email, Role: domain.RoleSuperAdmin}
		m.credentials[email] = cred
	}
	cred.PasswordHash = passwordHash
	return cloneCredential(cred), m.upsertResult(!ok), nil
}

func (m *memRepo) GetTenantByID(ctx context.Context, id int64) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	return cloneTenant(t), nil
}

func (m *memRepo) ExtendTenantSubscription(ctx context.Context, tenantID int64, extend store.ExtendFunc) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	if err := m.applyLocked(t, extend, nil); err != nil {
		return nil, err
	}
	return cloneTenant(t), nil
}

func (m *memRepo) applyLocked(t *domain.Tenant, extend store.ExtendFunc, plan *domain.PlanDetails) error {
	ext, err := extend(t.SubscriptionEnd)
	if err != nil {
		return err
	}
	m.writes++
	if plan != nil {
		t.Plan = plan.Code
		t.Features = plan.Features
	}
	if ext.Restarted || t.SubscriptionStart == nil {
		base := ext.Base
		t.SubscriptionStart = &base
	}
	end := ext.NewEnd
	t.SubscriptionEnd = &end
	t.IsActive = ext.Activated
	t.SubscriptionStatus = domain.StatusActive
	return nil
}

func (m *memRepo) DeactivateTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	m.writes++
	t.IsActive = false
	t.SubscriptionStatus = domain.StatusCancelled
	return cloneTenant(t), nil
}

func (m *memRepo) GetCredentialByEmail(ctx context.Context, email string) (*domain.AdminCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[email]
	if !ok {
		return nil, store.ErrCredentialNotFound
	}
	return cloneCredential(cred), nil
}

func (m *memRepo) CreatePaymentAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.GatewayOrderID != nil {
		for _, existing := range m.attempts {
			if existing.GatewayOrderID != nil && *existing.GatewayOrderID == *a.GatewayOrderID {
				return store.ErrConflict
			}
		}
	}
	m.writes++
	stored := *a
	stored.CreatedAt = time.Now()
	m.attempts[a.ID] = &stored
	return nil
}

func (m *memRepo) GetPaymentAttempt(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	c := *a
	return &c, nil
}

func (m *memRepo) FindAttemptByGatewayOrderID(ctx context.Context, orderID string) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.GatewayOrderID != nil && *a.GatewayOrderID == orderID {
			c := *a
			return &c, nil
		}
	}
	return nil, store.ErrAttemptNotFound
}

func (m *memRepo) ListAttemptsByState(ctx context.Context, state domain.AttemptState, limit int) ([]domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.PaymentAttempt{}
	for _, a := range m.attempts {
		if a.State == state && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *memRepo) AttachAttemptTenant(ctx context.Context, attemptID uuid.UUID, tenantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return store.ErrAttemptNotFound
	}
	if a.TenantID != nil && *a.TenantID != tenantID {
		return store.ErrAttemptTenantMismatch
	}
	m.writes++
	a.TenantID = &tenantID
	return nil
}

func (m *memRepo) RecordSettlement(ctx context.Context, attemptID uuid.UUID, reference string) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}
	if a.SettlementReference != nil {
		if *a.SettlementReference != reference {
			return nil, store.ErrSettlementConflict
		}
		c := *a
		return &c, nil
	}
	if a.State != domain.AttemptAwaitingGateway {
		return nil, store.ErrAttemptClosed
	}
	if m.referenceTaken(a.ID, reference) {
		return nil, store.ErrConflict
	}
	m.writes++
	a.SettlementReference = &reference
	c := *a
	return &c, nil
}

func (m *memRepo) FailPaymentAttempt(ctx context.Context, attemptID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[attemptID]
	if !ok {
		return store.ErrAttemptNotFound
	}
	if a.IsTerminal() || a.SettlementReference != nil {
		return store.ErrAttemptClosed
	}
	m.writes++
	a.State = domain.AttemptFailed
	a.FailureReason = &reason
	return nil
}

func (m *memRepo) FailStaleGatewayAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.attempts {
		if a.State == domain.AttemptAwaitingGateway && a.SettlementReference == nil && a.CreatedAt.Before(olderThan) {
			a.State = domain.AttemptFailed
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ConfirmAttempt(ctx context.Context, p store.ConfirmParams) (*store.ConfirmResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[p.AttemptID]
	if !ok {
		return nil, store.ErrAttemptNotFound
	}

	if a.State == domain.AttemptConfirmed {
		if a.SettlementReference == nil || *a.SettlementReference != p.SettlementReference {
			return nil, store.ErrSettlementConflict
		}
		c := *a
		result := &store.ConfirmResult{Attempt: &c}
		if a.TenantID != nil {
			result.Tenant = cloneTenant(m.tenants[*a.TenantID])
		}
		return result, nil
	}

	allowed := false
	for _, s := range p.AllowedStates {
		allowed = allowed || s == a.State
	}
	if !allowed {
		return nil, store.ErrAttemptClosed
	}
	if a.SettlementReference != nil && *a.SettlementReference != p.SettlementReference {
		return nil, store.ErrSettlementConflict
	}
	if a.TenantID == nil {
		return nil, store.ErrAttemptNotLinked
	}
	if p.ExpectedTenantID != nil && *p.ExpectedTenantID != *a.TenantID {
		return nil, store.ErrAttemptTenantMismatch
	}

	t, ok := m.tenants[*a.TenantID]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	if m.referenceTaken(a.ID, p.SettlementReference) {
		return nil, store.ErrConflict
	}
	var plan *domain.PlanDetails
	if details, ok := domain.LookupPlan(string(a.Plan)); ok {
		plan = &details
	}
	if err := m.applyLocked(t, p.Extend, plan); err != nil {
		return nil, err
	}

	reference := p.SettlementReference
	now := time.Now()
	a.State = domain.AttemptConfirmed
	a.SettlementReference = &reference
	a.ConfirmedAt = &now
	c := *a
	return &store.ConfirmResult{Attempt: &c, Tenant: cloneTenant(t), Applied: true}, nil
}

// referenceTaken mirrors the UNIQUE constraint on settlement_reference.
func (m *memRepo) referenceTaken(attemptID uuid.UUID, reference string) bool {
	for id, a := range m.attempts {
		if id != attemptID && a.SettlementReference != nil && *a.SettlementReference == reference {
			return true
		}
	}
	return false
}

func (m *memRepo) tenantByTaxID(taxID string) *domain.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.TaxID == taxID {
			return cloneTenant(t)
		}
	}
	return nil
}

func (m *memRepo) attempt(id uuid.UUID) *domain.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

func (m *memRepo) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func cloneTenant(t *domain.Tenant) *domain.Tenant {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneCredential(c *domain.AdminCredential) *domain.AdminCredential {
	out := *c
	return &out
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("invalid uuid %q: %v", s, err)
	}
	return id
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = errors.New("connection refused")
