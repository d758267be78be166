package cardwallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, orders http.HandlerFunc) (*Client, *[]string) {
	var requestIDs []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok || r.FormValue("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"A21","token_type":"Bearer","expires_in":32400}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		requestIDs = append(requestIDs, r.Header.Get("PayPal-Request-Id"))
		orders(w, r)
	})
	mux.HandleFunc("/v2/checkout/orders/", orders)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, zaptest.NewLogger(t))
	return c, &requestIDs
}

func TestInitiateCreatesOrder(t *testing.T) {
	var got CreateOrderRequest
	c, ids := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A21" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED","links":[{"href":"https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T","rel":"approve","method":"GET"}]}`))
	})

	res, err := c.Initiate(context.Background(), provider.InitiateRequest{
		Amount:      decimal.RequireFromString("12.5"),
		Currency:    "usd",
		ReferenceID: "INV-7",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.CorrelationID != "5O190127TN364715T" {
		t.Fatalf("unexpected correlation id %q", res.CorrelationID)
	}
	if res.Message != "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T" {
		t.Fatalf("expected approve link, got %q", res.Message)
	}
	if got.Intent != "CAPTURE" || len(got.PurchaseUnits) != 1 {
		t.Fatalf("unexpected request: %+v", got)
	}
	pu := got.PurchaseUnits[0]
	if pu.Amount.Value != "12.50" || pu.Amount.CurrencyCode != "USD" || pu.ReferenceID != "INV-7" {
		t.Fatalf("unexpected purchase unit: %+v", pu)
	}
	if len(*ids) != 1 || (*ids)[0] == "" {
		t.Fatalf("expected an idempotency request id, got %v", *ids)
	}
}

func TestInitiateRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","message":"The requested action could not be performed","details":[{"issue":"CURRENCY_NOT_SUPPORTED","description":"Currency code is not currently supported."}]}`))
	})

	_, err := c.Initiate(context.Background(), provider.InitiateRequest{Amount: decimal.NewFromInt(10), Currency: "KES"})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || !errors.Is(err, domain.ErrProviderRejected) || perr.Code != "CURRENCY_NOT_SUPPORTED" {
		t.Fatalf("expected CURRENCY_NOT_SUPPORTED rejection, got %v", err)
	}
}

func TestInitiateUnavailable(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Initiate(context.Background(), provider.InitiateRequest{Amount: decimal.NewFromInt(10), Currency: "USD"})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestFetchStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/checkout/orders/APPROVED-1":
			_, _ = w.Write([]byte(`{"id":"APPROVED-1","status":"APPROVED","purchase_units":[{"amount":{"currency_code":"USD","value":"10.00"}}]}`))
		case "/v2/checkout/orders/DONE-1":
			_, _ = w.Write([]byte(`{"id":"DONE-1","status":"COMPLETED","purchase_units":[{"amount":{"currency_code":"USD","value":"10.00"},
				"payments":{"captures":[{"id":"3C679366HH908993F","status":"COMPLETED","amount":{"currency_code":"USD","value":"9.99"},"update_time":"2024-03-01T12:05:00Z"}]}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"name":"RESOURCE_NOT_FOUND","details":[{"issue":"INVALID_RESOURCE_ID"}]}`))
		}
	})

	res, err := c.FetchStatus(context.Background(), "APPROVED-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if st, _ := Vocabulary.Resolve(res.ResultCode); st != domain.StatusAcknowledged {
		t.Fatalf("expected ACKNOWLEDGED, got %s", st)
	}

	res, err = c.FetchStatus(context.Background(), "DONE-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.ReceiptRef != "3C679366HH908993F" || res.Amount == nil || res.Amount.String() != "9.99" || res.SettledAt == nil {
		t.Fatalf("unexpected capture result: %+v", res)
	}
	if want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC); !res.SettledAt.Equal(want) || res.SettledAt.Location() != time.UTC {
		t.Fatalf("settled_at = %v, want %v", res.SettledAt, want)
	}
	if st, _ := Vocabulary.Resolve(res.ResultCode); st != domain.StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", st)
	}

	if _, err := c.FetchStatus(context.Background(), "MISSING"); !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
