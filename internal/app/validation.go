package app

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/facturacloud/billing-service/internal/domain"
)

const (
	taxIDLength       = 13
	minPasswordLength = 8
)

// validateTaxID checks the 13-digit RUC format.
func validateTaxID(taxID string) error {
	if len(taxID) != taxIDLength {
		return &ValidationError{Field: "tax_id", Message: "must have exactly 13 digits"}
	}
	for _, r := range taxID {
		if r < '0' || r > '9' {
			return &ValidationError{Field: "tax_id", Message: "must contain digits only"}
		}
	}
	return nil
}

// validatePassword requires a minimum length, one uppercase letter and one digit.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return &ValidationError{Field: "password", Message: "must be at least 8 characters long"}
	}
	var hasUpper, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper {
		return &ValidationError{Field: "password", Message: "must contain an uppercase letter"}
	}
	if !hasDigit {
		return &ValidationError{Field: "password", Message: "must contain a digit"}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ValidationError{Field: "email", Message: "is not a valid address"}
	}
	return nil
}

// normalizeProvisionRequest trims input and validates everything a provisioning
// write depends on.
func normalizeProvisionRequest(req *ProvisionRequest) error {
	req.TaxID = strings.TrimSpace(req.TaxID)
	req.BusinessName = strings.TrimSpace(req.BusinessName)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.Address = strings.TrimSpace(req.Address)

	if req.BusinessName == "" {
		return &ValidationError{Field: "business_name", Message: "is required"}
	}
	if err := validateTaxID(req.TaxID); err != nil {
		return err
	}
	if err := validateEmail(req.Email); err != nil {
		return err
	}
	if err := validatePassword(req.Password); err != nil {
		return err
	}
	if _, ok := domain.LookupPlan(string(req.Plan)); !ok {
		return &ValidationError{Field: "plan", Message: "is not a known plan"}
	}
	return nil
}

// normalizeRegistration validates a registration request and returns the
// provisioning request and plan it resolves to.
func normalizeRegistration(req *domain.RegistrationRequest) (ProvisionRequest, domain.PlanDetails, error) {
	plan, ok := domain.LookupPlan(req.Plan)
	if !ok {
		return ProvisionRequest{}, domain.PlanDetails{}, &ValidationError{Field: "plan", Message: "must be MONTHLY, SEMIANNUAL or YEARLY"}
	}

	req.PaymentMethod = domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(req.PaymentMethod))))
	req.SettlementReference = strings.TrimSpace(req.SettlementReference)
	switch req.PaymentMethod {
	case domain.MethodInstant:
		if req.SettlementReference == "" {
			return ProvisionRequest{}, domain.PlanDetails{}, &ValidationError{Field: "settlement_reference", Message: "is required for instant payments"}
		}
	case domain.MethodDeferred:
	default:
		return ProvisionRequest{}, domain.PlanDetails{}, &ValidationError{Field: "payment_method", Message: "must be INSTANT or DEFERRED"}
	}

	preq := ProvisionRequest{
		TaxID:              req.TaxID,
		BusinessName:       req.BusinessName,
		Email:              req.Email,
		Password:           req.Password,
		Phone:              req.Phone,
		Address:            req.Address,
		Plan:               plan.Code,
		Features:           plan.Features,
		RequiresAccounting: req.RequiresAccounting,
		SeedFinalConsumer:  true,
		RequireOwnership:   true,
	}
	if err := normalizeProvisionRequest(&preq); err != nil {
		return ProvisionRequest{}, domain.PlanDetails{}, err
	}
	return preq, plan, nil
}
