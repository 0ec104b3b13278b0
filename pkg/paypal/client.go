/**
 * @description
 * This package provides a minimal client for the PayPal Orders v2 API.
 * Only the calls the billing flow needs are implemented: creating an order
 * for a fixed amount and capturing it once the payer has approved it.
 *
 * @dependencies
 * - github.com/go-resty/resty/v2: HTTP client with retries.
 * - github.com/shopspring/decimal: exact money amounts.
 */
package paypal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// StatusCompleted is the order and capture status PayPal reports for settled funds.
const StatusCompleted = "COMPLETED"

// Capture is the settled payment returned by a successful order capture.
type Capture struct {
	OrderID   string
	CaptureID string
	Status    string
	Amount    decimal.Decimal
	Currency  string
}

// Client is a PayPal REST client authenticated with client credentials.
type Client struct {
	http         *resty.Client
	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	DebugID string `json:"debug_id"`
}

// NewClient creates a new PayPal client.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(strings.TrimSpace(baseURL), "/")).
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpClient,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// CreateOrder opens a CAPTURE-intent order for the given amount.
func (c *Client) CreateOrder(ctx context.Context, value decimal.Decimal, currency, referenceID string) (string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": referenceID,
				"amount": amount{
					CurrencyCode: currency,
					Value:        value.StringFixed(2),
				},
			},
		},
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	var failure apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("PayPal-Request-Id", "order-"+referenceID).
		SetBody(body).
		SetResult(&result).
		SetError(&failure).
		Post("/v2/checkout/orders")
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("create order: status %d: %s", resp.StatusCode(), failure.describe())
	}
	if result.ID == "" {
		return "", errors.New("create order: response has no order id")
	}
	return result.ID, nil
}

// CaptureOrder captures an approved order. The request id is derived from the
// order id so a retried capture is deduplicated by PayPal.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var result struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
					Amount amount `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}
	var failure apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("PayPal-Request-Id", "capture-"+orderID).
		SetBody(map[string]any{}).
		SetResult(&result).
		SetError(&failure).
		Post("/v2/checkout/orders/" + orderID + "/capture")
	if err != nil {
		return nil, fmt.Errorf("capture order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("capture order: status %d: %s", resp.StatusCode(), failure.describe())
	}

	if len(result.PurchaseUnits) == 0 || len(result.PurchaseUnits[0].Payments.Captures) == 0 {
		return nil, fmt.Errorf("capture order: order %s returned no captures (status %s)", orderID, result.Status)
	}

	capture := result.PurchaseUnits[0].Payments.Captures[0]
	value, err := decimal.NewFromString(capture.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("capture order: invalid amount %q: %w", capture.Amount.Value, err)
	}
	return &Capture{
		OrderID:   result.ID,
		CaptureID: capture.ID,
		Status:    capture.Status,
		Amount:    value,
		Currency:  capture.Amount.CurrencyCode,
	}, nil
}

// token returns a cached OAuth access token, refreshing it shortly before expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	var failure apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.clientID, c.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&result).
		SetError(&failure).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}
	if resp.IsError() || result.AccessToken == "" {
		return "", fmt.Errorf("oauth token: status %d: %s", resp.StatusCode(), failure.describe())
	}

	ttl := time.Duration(result.ExpiresIn) * time.Second
	if ttl > time.Minute {
		ttl -= time.Minute
	}
	c.accessToken = result.AccessToken
	c.expiresAt = time.Now().Add(ttl)
	return c.accessToken, nil
}

func (e apiError) describe() string {
	if e.Name == "" && e.Message == "" {
		return "unknown error"
	}
	if e.DebugID != "" {
		return fmt.Sprintf("%s: %s (debug_id %s)", e.Name, e.Message, e.DebugID)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
