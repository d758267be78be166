// internal/provider/cardwallet/cardwallet.go
package cardwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sandboxURL    = "https://api-m.sandbox.paypal.com"
	productionURL = "https://api-m.paypal.com"
)

type Config struct {
	Environment  string
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	BrandName    string
	Timeout      time.Duration
}

// Client drives the checkout orders API. Webhook delivery is configured on
// the merchant account, so the per-request callback target is not sent.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
	requestID  func() string

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := sandboxURL
	if cfg.Environment == "production" {
		baseURL = productionURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config:     cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
		requestID:  uuid.NewString,
	}
}

func (c *Client) Provider() domain.Provider {
	return domain.ProviderCardWallet
}

// ============================================
// ORDERS
// ============================================

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Amount      Money     `json:"amount"`
	Payments    *Payments `json:"payments,omitempty"`
}

type Payments struct {
	Captures []Capture `json:"captures,omitempty"`
}

type Capture struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     *Money `json:"amount,omitempty"`
	CreateTime string `json:"create_time,omitempty"`
	UpdateTime string `json:"update_time,omitempty"`
}

type ApplicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

type CreateOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []PurchaseUnit      `json:"purchase_units"`
	ApplicationContext *ApplicationContext `json:"application_context,omitempty"`
}

type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	Links         []Link         `json:"links"`
	UpdateTime    string         `json:"update_time,omitempty"`
}

// ApproveURL is where the payer is sent to approve the order.
func (o Order) ApproveURL() string {
	for _, l := range o.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// Initiate creates a CAPTURE order. The order id is the correlation id and
// the approval link is returned as the message for the client to redirect to.
func (c *Client) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	const op = "create order"

	if !req.Amount.IsPositive() {
		return nil, domain.Rejected(c.Provider(), op, "invalid_amount", "amount must be positive")
	}
	currency := domain.NormalizeCurrency(req.Currency)
	if currency == "" {
		return nil, domain.Rejected(c.Provider(), op, "invalid_currency", "currency is required")
	}

	body := CreateOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []PurchaseUnit{{
			ReferenceID: req.ReferenceID,
			CustomID:    req.ReferenceID,
			Description: req.Description,
			Amount: Money{
				CurrencyCode: currency,
				Value:        domain.FormatAmount(req.Amount),
			},
		}},
		ApplicationContext: &ApplicationContext{
			BrandName:  c.config.BrandName,
			ReturnURL:  c.config.ReturnURL,
			CancelURL:  c.config.CancelURL,
			UserAction: "PAY_NOW",
		},
	}

	raw, err := c.do(ctx, op, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, domain.Unavailable(c.Provider(), op, fmt.Errorf("failed to parse response: %w", err))
	}
	if order.ID == "" {
		return nil, domain.Unavailable(c.Provider(), op, fmt.Errorf("response carries no order id"))
	}

	c.logger.Info("card/wallet order created",
		zap.String("correlation_id", order.ID),
		zap.String("order_status", order.Status),
		zap.String("reference_id", req.ReferenceID),
	)

	return &provider.InitiateResult{
		CorrelationID: order.ID,
		Message:       order.ApproveURL(),
		Raw:           raw,
	}, nil
}

// FetchStatus reads the order. When a capture exists its status is the
// result code, otherwise the order status is.
func (c *Client) FetchStatus(ctx context.Context, correlationID string) (*provider.StatusResult, error) {
	const op = "get order"

	raw, err := c.do(ctx, op, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, domain.Unavailable(c.Provider(), op, fmt.Errorf("failed to parse response: %w", err))
	}

	res := &provider.StatusResult{
		ResultCode: order.Status,
		Message:    "order " + strings.ToLower(order.Status),
		Raw:        raw,
	}
	if len(order.PurchaseUnits) > 0 {
		pu := order.PurchaseUnits[0]
		res.Currency = pu.Amount.CurrencyCode
		if amt, err := domain.ParseAmount(pu.Amount.Value); err == nil && pu.Amount.Value != "" {
			res.Amount = &amt
		}
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			capture := pu.Payments.Captures[0]
			res.ResultCode = capture.Status
			res.Message = "capture " + strings.ToLower(capture.Status)
			res.ReceiptRef = capture.ID
			if capture.Amount != nil {
				if amt, err := domain.ParseAmount(capture.Amount.Value); err == nil {
					res.Amount = &amt
					res.Currency = capture.Amount.CurrencyCode
				}
			}
			res.SettledAt = FieldMap().ParseTime(capture.UpdateTime)
		}
	}
	return res, nil
}

// ============================================
// SHARED HELPERS
// ============================================

func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.config.ClientID, c.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("failed to get token: status %d: %s", resp.StatusCode, string(body))
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("token response carries no access_token")
	}

	ttl := 30 * time.Minute
	if res.ExpiresIn > 120 {
		ttl = time.Duration(res.ExpiresIn-60) * time.Second
	}
	c.token = res.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.token, nil
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e apiError) code() string {
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Details[0].Issue
	}
	return e.Name
}

func (e apiError) detail() string {
	if len(e.Details) > 0 && e.Details[0].Description != "" {
		return e.Details[0].Description
	}
	return e.Message
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, domain.Unavailable(c.Provider(), op, fmt.Errorf("failed to get access token: %w", err))
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("PayPal-Request-Id", c.requestID())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Unavailable(c.Provider(), op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Unavailable(c.Provider(), op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(respBody, &apiErr)
	c.logger.Warn("card/wallet api error",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("error_code", apiErr.code()),
		zap.String("error_message", apiErr.detail()),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokenMu.Lock()
		c.token = ""
		c.tokenMu.Unlock()
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.Unavailable(c.Provider(), op,
			fmt.Errorf("status %d: %s %s", resp.StatusCode, apiErr.code(), apiErr.detail()))
	}
	code := apiErr.code()
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}
	return nil, domain.Rejected(c.Provider(), op, code, apiErr.detail())
}
