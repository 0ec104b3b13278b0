package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/facturacloud/billing-service/internal/domain"
)

const tenantColumns = `id, tax_id, business_name, email, phone, address, plan, is_active,
	subscription_start, subscription_end, subscription_status, features::text,
	requires_accounting, is_production, created_at, updated_at`

const credentialColumns = `id, tenant_id, email, password_hash, role, created_at, updated_at`

const customerColumns = `id, tenant_id, identification, name, email, address, created_at`

// ProvisionParams carries everything written by a single provisioning call.
// Customer is optional.
type ProvisionParams struct {
	Tenant     domain.Tenant
	Credential domain.AdminCredential
	Customer   *domain.CustomerRecord

	// Verify, when set, runs inside the transaction with the locked rows that
	// already hold the tax ID and the email (nil when absent). An error aborts
	// provisioning. Rows that were absent are then inserted without an upsert,
	// so a concurrent insert surfaces as ErrConflict instead of being overwritten.
	Verify func(tenant *domain.Tenant, credential *domain.AdminCredential) error
}

// ProvisionResult reports the persisted rows and whether each was created or updated.
type ProvisionResult struct {
	Tenant           *domain.Tenant
	TenantResult     UpsertResult
	Credential       *domain.AdminCredential
	CredentialResult UpsertResult
	Customer         *domain.CustomerRecord
	CustomerResult   UpsertResult
}

// Provision upserts the tenant (by tax ID), its admin credential (by email) and
// the optional customer (by identification and tenant) in one transaction.
// The plan, features and subscription fields of an existing tenant are left
// untouched; they change only when a payment is confirmed.
func (r *Repository) Provision(ctx context.Context, p ProvisionParams) (*ProvisionResult, error) {
	features, err := json.Marshal(p.Tenant.Features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	var result ProvisionResult
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		upsertTenant, upsertCred := true, true
		if p.Verify != nil {
			existingTenant, err := lockTenantByTaxID(ctx, tx, p.Tenant.TaxID)
			if err != nil {
				return err
			}
			existingCred, err := lockCredentialByEmail(ctx, tx, p.Credential.Email)
			if err != nil {
				return err
			}
			if err := p.Verify(existingTenant, existingCred); err != nil {
				return err
			}
			upsertTenant, upsertCred = existingTenant != nil, existingCred != nil
		}

		tenantQuery := `
			INSERT INTO tenants (tax_id, business_name, email, phone, address, plan, features,
				requires_accounting, is_production, is_active, subscription_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, FALSE, 'PAST_DUE')`
		if upsertTenant {
			tenantQuery += `
			ON CONFLICT (tax_id) DO UPDATE SET
				business_name = EXCLUDED.business_name,
				email = EXCLUDED.email,
				phone = EXCLUDED.phone,
				address = EXCLUDED.address,
				requires_accounting = EXCLUDED.requires_accounting,
				is_production = EXCLUDED.is_production,
				updated_at = NOW()`
		}
		tenantQuery += `
			RETURNING ` + tenantColumns + `, (xmax = 0) AS inserted`
		tenant, inserted, err := scanTenantUpsert(tx.QueryRow(ctx, tenantQuery,
			p.Tenant.TaxID,
			p.Tenant.BusinessName,
			p.Tenant.Email,
			p.Tenant.Phone,
			p.Tenant.Address,
			string(p.Tenant.Plan),
			string(features),
			p.Tenant.RequiresAccounting,
			p.Tenant.IsProduction,
		))
		if err != nil {
			return fmt.Errorf("upsert tenant: %w", mapError(err))
		}
		result.Tenant = tenant
		result.TenantResult = upsertResult(inserted)

		tenantID := tenant.ID
		credential := p.Credential
		credential.TenantID = &tenantID
		cred, credResult, err := upsertCredential(ctx, tx, credential, upsertCred)
		if err != nil {
			return err
		}
		result.Credential = cred
		result.CredentialResult = credResult

		if p.Customer != nil {
			customerQuery := `
				INSERT INTO customers (tenant_id, identification, name, email, address)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (identification, tenant_id) DO UPDATE SET
					name = EXCLUDED.name,
					email = EXCLUDED.email,
					address = EXCLUDED.address
				RETURNING ` + customerColumns + `, (xmax = 0) AS inserted`
			var customer domain.CustomerRecord
			var customerInserted bool
			if err := tx.QueryRow(ctx, customerQuery,
				tenantID,
				p.Customer.Identification,
				p.Customer.Name,
				p.Customer.Email,
				p.Customer.Address,
			).Scan(
				&customer.ID,
				&customer.TenantID,
				&customer.Identification,
				&customer.Name,
				&customer.Email,
				&customer.Address,
				&customer.CreatedAt,
				&customerInserted,
			); err != nil {
				return fmt.Errorf("upsert customer: %w", mapError(err))
			}
			result.Customer = &customer
			result.CustomerResult = upsertResult(customerInserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// UpsertSuperAdmin creates or rotates the password of a tenant-less superadmin.
func (r *Repository) UpsertSuperAdmin(ctx context.Context, email, passwordHash string) (*domain.AdminCredential, UpsertResult, error) {
	var cred *domain.AdminCredential
	var res UpsertResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		cred, res, err = upsertCredential(ctx, tx, domain.AdminCredential{
			Email:        email,
			PasswordHash: passwordHash,
			Role:         domain.RoleSuperAdmin,
		}, true)
		return err
	})
	return cred, res, err
}

// upsertCredential inserts or, when allowUpdate is set, updates a credential by
// email. An existing row with a different role is never taken over.
func upsertCredential(ctx context.Context, tx pgx.Tx, c domain.AdminCredential, allowUpdate bool) (*domain.AdminCredential, UpsertResult, error) {
	query := `
		INSERT INTO admin_credentials (tenant_id, email, password_hash, role)
		VALUES ($1, $2, $3, $4)`
	if allowUpdate {
		query += `
		ON CONFLICT (email) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			password_hash = EXCLUDED.password_hash,
			updated_at = NOW()
		WHERE admin_credentials.role = EXCLUDED.role`
	}
	query += `
		RETURNING ` + credentialColumns + `, (xmax = 0) AS inserted`

	var inserted bool
	cred, err := scanCredential(tx.QueryRow(ctx, query,
		c.TenantID,
		strings.ToLower(strings.TrimSpace(c.Email)),
		c.PasswordHash,
		string(c.Role),
	), &inserted)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			// ON CONFLICT ... WHERE filtered the row out.
			return nil, "", ErrRoleConflict
		}
		return nil, "", fmt.Errorf("upsert credential: %w", mapError(err))
	}
	return cred, upsertResult(inserted), nil
}

// GetTenantByID retrieves a tenant by its primary key.
func (r *Repository) GetTenantByID(ctx context.Context, id int64) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(r.db.QueryRow(ctx, query, id))
}

// GetTenantByTaxID retrieves a tenant by its tax identifier.
func (r *Repository) GetTenantByTaxID(ctx context.Context, taxID string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tax_id = $1`
	return scanTenant(r.db.QueryRow(ctx, query, taxID))
}

// ExtendTenantSubscription locks the tenant row and applies extend to it.
func (r *Repository) ExtendTenantSubscription(ctx context.Context, tenantID int64, extend ExtendFunc) (*domain.Tenant, error) {
	var updated *domain.Tenant
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		tenant, err := lockTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		updated, err = applyExtension(ctx, tx, tenant, extend, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateTenant soft-disables a tenant. The subscription window is kept.
func (r *Repository) DeactivateTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error) {
	query := `
		UPDATE tenants SET is_active = FALSE, subscription_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + tenantColumns
	return scanTenant(r.db.QueryRow(ctx, query, tenantID, string(domain.StatusCancelled)))
}

// GetCredentialByEmail retrieves a credential for login.
func (r *Repository) GetCredentialByEmail(ctx context.Context, email string) (*domain.AdminCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM admin_credentials WHERE email = $1`
	return scanCredential(r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))), nil)
}

func lockTenant(ctx context.Context, tx pgx.Tx, tenantID int64) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1 FOR UPDATE`
	return scanTenant(tx.QueryRow(ctx, query, tenantID))
}

// lockTenantByTaxID returns nil when no tenant holds the tax ID.
func lockTenantByTaxID(ctx context.Context, tx pgx.Tx, taxID string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tax_id = $1 FOR UPDATE`
	tenant, err := scanTenant(tx.QueryRow(ctx, query, taxID))
	if errors.Is(err, ErrTenantNotFound) {
		return nil, nil
	}
	return tenant, err
}

// lockCredentialByEmail returns nil when no credential holds the email.
func lockCredentialByEmail(ctx context.Context, tx pgx.Tx, email string) (*domain.AdminCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM admin_credentials WHERE email = $1 FOR UPDATE`
	cred, err := scanCredential(tx.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))), nil)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, nil
	}
	return cred, err
}

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	t, _, err := scanTenantRow(row, false)
	return t, err
}

func scanTenantUpsert(row pgx.Row) (*domain.Tenant, bool, error) {
	return scanTenantRow(row, true)
}

func scanTenantRow(row pgx.Row, withInserted bool) (*domain.Tenant, bool, error) {
	var t domain.Tenant
	var plan, status, features string
	var inserted bool

	dest := []any{
		&t.ID,
		&t.TaxID,
		&t.BusinessName,
		&t.Email,
		&t.Phone,
		&t.Address,
		&plan,
		&t.IsActive,
		&t.SubscriptionStart,
		&t.SubscriptionEnd,
		&status,
		&features,
		&t.RequiresAccounting,
		&t.IsProduction,
		&t.CreatedAt,
		&t.UpdatedAt,
	}
	if withInserted {
		dest = append(dest, &inserted)
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, ErrTenantNotFound
		}
		return nil, false, err
	}

	t.Plan = domain.Plan(plan)
	t.SubscriptionStatus = domain.SubscriptionStatus(status)
	t.Features = map[string]bool{}
	if features != "" {
		if err := json.Unmarshal([]byte(features), &t.Features); err != nil {
			return nil, false, fmt.Errorf("decode features: %w", err)
		}
	}
	return &t, inserted, nil
}

func scanCredential(row pgx.Row, inserted *bool) (*domain.AdminCredential, error) {
	var c domain.AdminCredential
	var role string

	dest := []any{&c.ID, &c.TenantID, &c.Email, &c.PasswordHash, &role, &c.CreatedAt, &c.UpdatedAt}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	c.Role = domain.Role(role)
	return &c, nil
}
