package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

type fakePayPal struct {
	tokenCalls atomic.Int32
	lastBody   map[string]any
	requestIDs []string
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"name":"invalid_client","message":"Client Authentication failed"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"A21AA","expires_in":32400}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A21AA" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
		if err := json.NewDecoder(r.Body).Decode(&f.lastBody); err != nil {
			t.Errorf("invalid order body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED"}`))
	})
	mux.HandleFunc("/v2/checkout/orders/5O190127TN364715T/capture", func(w http.ResponseWriter, r *http.Request) {
		f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{
			"id": "5O190127TN364715T",
			"status": "COMPLETED",
			"purchase_units": [{"payments": {"captures": [{
				"id": "3C679366HH908993F",
				"status": "COMPLETED",
				"amount": {"currency_code": "USD", "value": "99.90"}
			}]}}]
		}`))
	})
	mux.HandleFunc("/v2/checkout/orders/DECLINED/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","message":"INSTRUMENT_DECLINED","debug_id":"90957fca61718"}`))
	})
	return mux
}

func TestClient_CreateAndCaptureOrder(t *testing.T) {
	fake := &fakePayPal{}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(server.URL+"/", "client-id", "client-secret")
	ctx := context.Background()

	orderID, err := client.CreateOrder(ctx, decimal.RequireFromString("99.9"), "USD", "attempt-1")
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if orderID != "5O190127TN364715T" {
		t.Fatalf("unexpected order id %q", orderID)
	}
	units := fake.lastBody["purchase_units"].([]any)
	amount := units[0].(map[string]any)["amount"].(map[string]any)
	if amount["value"] != "99.90" || amount["currency_code"] != "USD" {
		t.Fatalf("unexpected order amount %v", amount)
	}

	capture, err := client.CaptureOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("CaptureOrder returned error: %v", err)
	}
	if capture.CaptureID != "3C679366HH908993F" || capture.Status != StatusCompleted {
		t.Fatalf("unexpected capture %+v", capture)
	}
	if !capture.Amount.Equal(decimal.RequireFromString("99.90")) || capture.Currency != "USD" {
		t.Fatalf("unexpected capture amount %s %s", capture.Amount, capture.Currency)
	}

	if got := fake.tokenCalls.Load(); got != 1 {
		t.Fatalf("expected the token to be cached, got %d token calls", got)
	}
	if len(fake.requestIDs) != 2 || fake.requestIDs[0] != "order-attempt-1" || fake.requestIDs[1] != "capture-5O190127TN364715T" {
		t.Fatalf("unexpected idempotency keys %v", fake.requestIDs)
	}
}

func TestClient_CaptureDeclined(t *testing.T) {
	fake := &fakePayPal{}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(server.URL, "client-id", "client-secret")

	_, err := client.CaptureOrder(context.Background(), "DECLINED")
	if err == nil {
		t.Fatal("expected a declined capture to fail")
	}
	if !strings.Contains(err.Error(), "INSTRUMENT_DECLINED") || !strings.Contains(err.Error(), "422") {
		t.Fatalf("expected the gateway reason in the error, got %v", err)
	}
}

func TestClient_BadCredentials(t *testing.T) {
	fake := &fakePayPal{}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(server.URL, "client-id", "wrong")

	_, err := client.CreateOrder(context.Background(), decimal.NewFromInt(10), "USD", "attempt-1")
	if err == nil || !strings.Contains(err.Error(), "invalid_client") {
		t.Fatalf("expected an oauth error, got %v", err)
	}
}
