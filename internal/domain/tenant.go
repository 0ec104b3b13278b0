/**
 * @description
 * This file defines the tenant (business account) model and the credentials
 * and customer records that belong to it.
 */
package domain

import "time"

// SubscriptionStatus is the billing state of a tenant.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusPastDue   SubscriptionStatus = "PAST_DUE"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Role is the privilege level of an administrator credential.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPERADMIN"
)

// FinalConsumerIdentification is the identification used for anonymous
// "final consumer" sales; every tenant gets one such customer record.
const FinalConsumerIdentification = "9999999999999"

// Tenant represents a subscribing business account.
type Tenant struct {
	ID                 int64              `json:"id"`
	TaxID              string             `json:"tax_id"`
	BusinessName       string             `json:"business_name"`
	Email              string             `json:"email"`
	Phone              string             `json:"phone"`
	Address            string             `json:"address"`
	Plan               Plan               `json:"plan"`
	IsActive           bool               `json:"is_active"`
	SubscriptionStart  *time.Time         `json:"subscription_start,omitempty"`
	SubscriptionEnd    *time.Time         `json:"subscription_end,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	Features           map[string]bool    `json:"features"`
	RequiresAccounting bool               `json:"requires_accounting"`
	IsProduction       bool               `json:"is_production"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// EffectiveStatus derives the status at now. A stored CANCELLED always wins;
// otherwise a missing or elapsed end date means the tenant is past due.
func (t *Tenant) EffectiveStatus(now time.Time) SubscriptionStatus {
	if t.SubscriptionStatus == StatusCancelled {
		return StatusCancelled
	}
	if t.SubscriptionEnd == nil || t.SubscriptionEnd.Before(now) {
		return StatusPastDue
	}
	return StatusActive
}

// AdminCredential is a login for a tenant administrator, or for a platform
// superadmin when TenantID is nil.
type AdminCredential struct {
	ID           int64     `json:"id"`
	TenantID     *int64    `json:"tenant_id,omitempty"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CustomerRecord is an end customer of a tenant.
type CustomerRecord struct {
	ID             int64     `json:"id"`
	TenantID       int64     `json:"tenant_id"`
	Identification string    `json:"identification"`
	Name           string    `json:"name"`
	Email          string    `json:"email,omitempty"`
	Address        string    `json:"address,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SubscriptionSummary is the DTO returned to a tenant asking for its billing state.
type SubscriptionSummary struct {
	TenantID      int64              `json:"tenant_id"`
	Plan          Plan               `json:"plan"`
	Status        SubscriptionStatus `json:"status"`
	IsActive      bool               `json:"is_active"`
	PeriodStart   *time.Time         `json:"subscription_start,omitempty"`
	PeriodEnd     *time.Time         `json:"subscription_end,omitempty"`
	DaysRemaining int                `json:"days_remaining"`
}
