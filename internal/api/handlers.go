/**
 * @description
 * This file contains the HTTP handler functions for the billing service.
 * Handlers parse incoming requests, call the service layer and map its
 * errors onto HTTP status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/facturacloud/billing-service/internal/app"
	"github.com/facturacloud/billing-service/internal/domain"
)

// BillingService is the application surface the handlers call.
type BillingService interface {
	Plans() []domain.PlanDetails
	Currency() string
	CreateGatewayOrder(ctx context.Context, plan string) (*domain.GatewayOrder, error)
	Register(ctx context.Context, req domain.RegistrationRequest) (*domain.RegistrationResponse, error)
	Login(ctx context.Context, email, password string) (string, error)
	HandleGatewayWebhook(ctx context.Context, orderID, captureID string) (*app.WebhookResult, error)
	GetSubscription(ctx context.Context, tenantID int64) (*domain.SubscriptionSummary, error)
	ExtendSubscription(ctx context.Context, req domain.AdminExtensionRequest) (*time.Time, error)
	DeactivateTenant(ctx context.Context, tenantID int64) (*domain.Tenant, error)
	ListPendingManualAttempts(ctx context.Context) ([]domain.PaymentAttempt, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service BillingService
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service BillingService, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type planView struct {
	Code     domain.Plan     `json:"code"`
	Name     string          `json:"name"`
	Price    string          `json:"price"`
	Currency string          `json:"currency"`
	Months   int             `json:"months"`
	Features map[string]bool `json:"features"`
}

func (h *Handler) handleListPlans(w http.ResponseWriter, r *http.Request) {
	currency := h.service.Currency()
	plans := h.service.Plans()
	views := make([]planView, 0, len(plans))
	for _, p := range plans {
		views = append(views, planView{
			Code:     p.Code,
			Name:     p.Name,
			Price:    p.PriceString(),
			Currency: currency,
			Months:   p.Months,
			Features: p.Features,
		})
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := h.service.CreateGatewayOrder(r.Context(), req.Plan)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, order)
}

// handleRegister handles a tenant registration for either payment method.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Outcome == domain.OutcomePending {
		status = http.StatusAccepted
	}
	respondWithJSON(w, status, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"credential_token": token})
}

// handleGatewayWebhook processes a signed capture notification. Replays answer 200.
func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID   string `json:"order_id"`
		CaptureID string `json:"capture_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.HandleGatewayWebhook(r.Context(), req.OrderID, req.CaptureID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	claims, ok := SessionFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if claims.TenantID == nil {
		respondWithError(w, http.StatusForbidden, "Session is not bound to a tenant")
		return
	}

	summary, err := h.service.GetSubscription(r.Context(), *claims.TenantID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// handleExtendSubscription adds months to a tenant on behalf of an operator.
func (h *Handler) handleExtendSubscription(w http.ResponseWriter, r *http.Request) {
	var req domain.AdminExtensionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	end, err := h.service.ExtendSubscription(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}

	if claims, ok := SessionFromContext(r.Context()); ok {
		h.logger.Info("admin extension applied", "operator", claims.Email, "tenant_id", req.TenantID, "months", req.Months)
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"subscription_end": end,
	})
}

func (h *Handler) handleDeactivateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "tenant_id must be a positive integer")
		return
	}

	tenant, err := h.service.DeactivateTenant(r.Context(), tenantID)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tenant)
}

func (h *Handler) handleListPendingPayments(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListPendingManualAttempts(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"attempts": attempts})
}

// respondWithServiceError maps service errors onto status codes. Store failures
// are logged and answered with a generic message.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error) {
	var validationErr *app.ValidationError
	var gatewayErr *app.GatewayError

	switch {
	case errors.As(err, &validationErr):
		respondWithJSON(w, http.StatusBadRequest, map[string]string{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
	case errors.Is(err, domain.ErrInvalidDuration):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrSettlementConflict), errors.Is(err, app.ErrAttemptClosed):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.As(err, &gatewayErr):
		h.logger.Warn("payment gateway failure", "error", err)
		respondWithError(w, http.StatusBadGateway, "The payment could not be confirmed by the gateway")
	default:
		h.logger.Error("request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error, please retry")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
