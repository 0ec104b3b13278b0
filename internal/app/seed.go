package app

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

// SeedRequest describes the bootstrap records. Every part is optional.
type SeedRequest struct {
	SuperAdminEmail    string
	SuperAdminPassword string
	DemoTenant         *ProvisionRequest
}

// SeedResult reports what the seed run changed.
type SeedResult struct {
	SuperAdmin       *domain.AdminCredential
	SuperAdminResult store.UpsertResult
	DemoTenant       *domain.Tenant
	DemoExtended     bool
}

// Seed provisions the superadmin and a demo tenant. It is safe to re-run: the
// demo tenant's subscription is only extended while it is not active, so
// repeated runs never stack months.
func (s *Service) Seed(ctx context.Context, req SeedRequest) (*SeedResult, error) {
	result := &SeedResult{}

	email := strings.ToLower(strings.TrimSpace(req.SuperAdminEmail))
	if email != "" {
		if err := validateEmail(email); err != nil {
			return nil, err
		}
		if err := validatePassword(req.SuperAdminPassword); err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.SuperAdminPassword), s.provisioner.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash superadmin password: %w", err)
		}
		cred, upsert, err := s.repo.UpsertSuperAdmin(ctx, email, string(hash))
		if err != nil {
			return nil, translateStoreError("upsert superadmin", err)
		}
		result.SuperAdmin, result.SuperAdminResult = cred, upsert
		s.logger.Info("superadmin seeded", "email", email, "result", upsert)
	}

	if req.DemoTenant == nil {
		return result, nil
	}

	provisioned, err := s.provisioner.Provision(ctx, *req.DemoTenant)
	if err != nil {
		return nil, err
	}
	tenant := provisioned.Tenant

	if tenant.EffectiveStatus(s.now()) != domain.StatusActive {
		plan, ok := domain.LookupPlan(string(tenant.Plan))
		if !ok {
			return nil, fmt.Errorf("demo tenant has unknown plan %q", tenant.Plan)
		}
		tenant, err = s.repo.ExtendTenantSubscription(ctx, tenant.ID, s.extendBy(plan.Months))
		if err != nil {
			return nil, translateStoreError("extend demo subscription", err)
		}
		result.DemoExtended = true
	}
	result.DemoTenant = tenant

	s.logger.Info("demo tenant seeded", "tenant_id", tenant.ID, "tax_id", tenant.TaxID, "extended", result.DemoExtended)
	return result, nil
}
