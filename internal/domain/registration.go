package domain

// RegistrationRequest is the payload sent by the sign-up flow.
type RegistrationRequest struct {
	BusinessName        string        `json:"business_name"`
	TaxID               string        `json:"tax_id"`
	Email               string        `json:"email"`
	Password            string        `json:"password"`
	Phone               string        `json:"phone"`
	Address             string        `json:"address"`
	Plan                string        `json:"plan"`
	PaymentMethod       PaymentMethod `json:"payment_method"`
	SettlementReference string        `json:"settlement_reference,omitempty"`
	RequiresAccounting  bool          `json:"requires_accounting,omitempty"`
}

// RegistrationResponse is returned once the registration has been processed.
type RegistrationResponse struct {
	Success         bool           `json:"success"`
	Tenant          *Tenant        `json:"tenant,omitempty"`
	CredentialToken string         `json:"credential_token,omitempty"`
	AttemptID       string         `json:"attempt_id,omitempty"`
	Outcome         PaymentOutcome `json:"outcome,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// GatewayOrder is returned when a client opens an instant payment session.
type GatewayOrder struct {
	AttemptID string `json:"attempt_id"`
	OrderID   string `json:"order_id"`
	Plan      Plan   `json:"plan"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// AdminExtensionRequest adds months to a tenant subscription. AttemptID and
// SettlementReference optionally close a pending manual payment at the same time.
type AdminExtensionRequest struct {
	TenantID            int64  `json:"tenant_id"`
	Months              int    `json:"months"`
	AttemptID           string `json:"attempt_id,omitempty"`
	SettlementReference string `json:"settlement_reference,omitempty"`
}
