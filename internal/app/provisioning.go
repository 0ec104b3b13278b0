package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/facturacloud/billing-service/internal/domain"
	"github.com/facturacloud/billing-service/internal/store"
)

// ProvisioningRepository is the slice of the record store used by provisioning.
type ProvisioningRepository interface {
	Provision(ctx context.Context, p store.ProvisionParams) (*store.ProvisionResult, error)
}

// ProvisionRequest describes a tenant and its first administrator.
type ProvisionRequest struct {
	TaxID              string
	BusinessName       string
	Email              string
	Password           string
	Phone              string
	Address            string
	Plan               domain.Plan
	Features           map[string]bool
	RequiresAccounting bool
	IsProduction       bool

	// SeedFinalConsumer adds the anonymous final-consumer customer record.
	SeedFinalConsumer bool

	// RequireOwnership makes an existing tenant or credential reachable only by
	// the credential's owner: the email must already belong to the tenant and the
	// password must match. Public registration sets it; the seeder does not.
	RequireOwnership bool
}

// Provisioner creates or reconciles a tenant, its admin credential and its
// final-consumer customer as one idempotent, transactional operation.
type Provisioner struct {
	repo       ProvisioningRepository
	bcryptCost int
	logger     *slog.Logger
}

// NewProvisioner creates a provisioner. A zero bcryptCost uses bcrypt.DefaultCost.
func NewProvisioner(repo ProvisioningRepository, bcryptCost int, logger *slog.Logger) *Provisioner {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Provisioner{repo: repo, bcryptCost: bcryptCost, logger: logger}
}

// Provision validates the request, hashes the password and upserts all rows.
// Running it twice with the same tax ID and email leaves one tenant and one
// credential, carrying the second call's business fields and password. The plan
// of an existing tenant is left alone; it changes when a payment is confirmed.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*store.ProvisionResult, error) {
	if err := normalizeProvisionRequest(&req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	var verify func(*domain.Tenant, *domain.AdminCredential) error
	if req.RequireOwnership {
		verify = ownershipCheck(req.Password)
	}
	req.Password = ""

	features := req.Features
	if features == nil {
		plan, _ := domain.LookupPlan(string(req.Plan))
		features = plan.Features
	}

	params := store.ProvisionParams{
		Tenant: domain.Tenant{
			TaxID:              req.TaxID,
			BusinessName:       req.BusinessName,
			Email:              req.Email,
			Phone:              req.Phone,
			Address:            req.Address,
			Plan:               req.Plan,
			Features:           features,
			RequiresAccounting: req.RequiresAccounting,
			IsProduction:       req.IsProduction,
		},
		Credential: domain.AdminCredential{
			Email:        req.Email,
			PasswordHash: string(hash),
			Role:         domain.RoleAdmin,
		},
		Verify: verify,
	}
	if req.SeedFinalConsumer {
		params.Customer = &domain.CustomerRecord{
			Identification: domain.FinalConsumerIdentification,
			Name:           "CONSUMIDOR FINAL",
		}
	}

	result, err := p.repo.Provision(ctx, params)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent call inserted the same key first; the retry takes the update path.
		p.logger.Info("provisioning conflict, retrying as update", "tax_id", req.TaxID, "email", req.Email)
		result, err = p.repo.Provision(ctx, params)
		if errors.Is(err, store.ErrConflict) {
			return nil, &ValidationError{Field: "email", Message: "is already registered"}
		}
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		p.logger.Warn("provisioning rejected", "tax_id", req.TaxID, "email", req.Email, "field", validationErr.Field)
		return nil, validationErr
	}
	if err != nil {
		return nil, translateStoreError("provision tenant", err)
	}

	p.logger.Info("tenant provisioned",
		"tenant_id", result.Tenant.ID,
		"tax_id", result.Tenant.TaxID,
		"tenant", result.TenantResult,
		"credential", result.CredentialResult,
	)
	return result, nil
}

// ownershipCheck admits an existing credential only with its own password, and
// an existing tenant only through a credential already linked to it.
func ownershipCheck(password string) func(*domain.Tenant, *domain.AdminCredential) error {
	return func(tenant *domain.Tenant, cred *domain.AdminCredential) error {
		if cred == nil {
			if tenant != nil {
				return &ValidationError{Field: "tax_id", Message: "is already registered"}
			}
			return nil
		}
		if cred.Role != domain.RoleAdmin || !checkPassword(cred.PasswordHash, password) {
			return &ValidationError{Field: "email", Message: "is already registered"}
		}
		if tenant == nil || cred.TenantID == nil || *cred.TenantID != tenant.ID {
			return &ValidationError{Field: "email", Message: "is registered to another business"}
		}
		return nil
	}
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
