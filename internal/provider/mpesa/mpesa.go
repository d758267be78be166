// internal/provider/mpesa/mpesa.go
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"

	"go.uber.org/zap"
)

const (
	sandboxURL    = "https://sandbox.safaricom.co.ke"
	productionURL = "https://api.safaricom.co.ke"

	timestampLayout = "20060102150405"

	// ProcessingCode is the STK query error code for a prompt the customer
	// has not answered yet.
	ProcessingCode = "500.001.1001"
)

type Config struct {
	Environment     string
	BaseURL         string // overrides the environment default when set
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	Passkey         string
	TransactionType string
	Timeout         time.Duration
}

// MpesaProvider talks to the Daraja STK push and STK query APIs.
type MpesaProvider struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaProvider(cfg Config, logger *zap.Logger) *MpesaProvider {
	baseURL := sandboxURL
	if cfg.Environment == "production" {
		baseURL = productionURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &MpesaProvider{
		config:     cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		now:        time.Now,
	}
}

func (m *MpesaProvider) Provider() domain.Provider {
	return domain.ProviderMobileMoney
}

// ============================================
// STK PUSH (Lipa Na M-Pesa Online)
// ============================================

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// Initiate sends an STK push. The CheckoutRequestID becomes the correlation
// id and the MerchantRequestID the secondary id.
func (m *MpesaProvider) Initiate(ctx context.Context, req provider.InitiateRequest) (*provider.InitiateResult, error) {
	const op = "stk push"

	amount := domain.WholeUnits(req.Amount)
	if amount < 1 {
		return nil, domain.Rejected(m.Provider(), op, "invalid_amount", "amount must be at least 1")
	}
	phone := NormalizePhone(req.PayerRef)
	if phone == "" {
		return nil, domain.Rejected(m.Provider(), op, "invalid_phone", "payer phone number is required")
	}
	accountRef := req.ReferenceID
	if accountRef == "" {
		accountRef = m.config.ShortCode
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Payment for %s", accountRef)
	}

	timestamp, password := m.password()
	body := STKPushRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   m.config.TransactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            m.config.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       req.CallbackTarget,
		AccountReference:  accountRef,
		TransactionDesc:   desc,
	}

	raw, err := m.call(ctx, op, "/mpesa/stkpush/v1/processrequest", body)
	if err != nil {
		return nil, err
	}

	var resp STKPushResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.Unavailable(m.Provider(), op, fmt.Errorf("failed to parse response: %w", err))
	}
	if resp.ResponseCode != "0" {
		return nil, domain.Rejected(m.Provider(), op, resp.ResponseCode, resp.ResponseDescription)
	}
	if resp.CheckoutRequestID == "" {
		return nil, domain.Unavailable(m.Provider(), op, fmt.Errorf("response carries no CheckoutRequestID"))
	}

	m.logger.Info("stk push accepted",
		zap.String("correlation_id", resp.CheckoutRequestID),
		zap.String("merchant_request_id", resp.MerchantRequestID),
		zap.Int64("amount", amount),
	)

	return &provider.InitiateResult{
		CorrelationID: resp.CheckoutRequestID,
		SecondaryID:   resp.MerchantRequestID,
		Message:       resp.CustomerMessage,
		Raw:           raw,
	}, nil
}

// ============================================
// STK QUERY
// ============================================

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// FetchStatus runs an STK query. A prompt still waiting on the customer is
// reported with ProcessingCode rather than as an error.
func (m *MpesaProvider) FetchStatus(ctx context.Context, correlationID string) (*provider.StatusResult, error) {
	const op = "stk query"

	timestamp, password := m.password()
	body := STKQueryRequest{
		BusinessShortCode: m.config.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: correlationID,
	}

	raw, err := m.call(ctx, op, "/mpesa/stkpushquery/v1/query", body)
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) && perr.Code == ProcessingCode {
			return &provider.StatusResult{ResultCode: ProcessingCode, Message: perr.Details}, nil
		}
		return nil, err
	}

	var resp STKQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.Unavailable(m.Provider(), op, fmt.Errorf("failed to parse response: %w", err))
	}
	if resp.ResultCode == "" {
		return nil, domain.Rejected(m.Provider(), op, resp.ResponseCode, resp.ResponseDescription)
	}
	return &provider.StatusResult{
		ResultCode: resp.ResultCode,
		Message:    resp.ResultDesc,
		Raw:        raw,
	}, nil
}

// ============================================
// SHARED HELPERS
// ============================================

func (m *MpesaProvider) password() (timestamp, password string) {
	timestamp = m.now().Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(
		m.config.ShortCode + m.config.Passkey + timestamp,
	))
	return timestamp, password
}

// getAccessToken returns the cached OAuth token, refreshing it shortly
// before expiry.
func (m *MpesaProvider) getAccessToken(ctx context.Context) (string, error) {
	m.tokenMu.Lock()
	defer m.tokenMu.Unlock()

	if m.token != "" && m.now().Before(m.tokenExpiry) {
		return m.token, nil
	}

	url := m.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(m.config.ConsumerKey, m.config.ConsumerSecret)

	resp, err := m.httpClient.Do(req)
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
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("token response carries no access_token")
	}

	ttl := 50 * time.Minute
	if secs, err := strconv.Atoi(res.ExpiresIn); err == nil && secs > 120 {
		ttl = time.Duration(secs-60) * time.Second
	}
	m.token = res.AccessToken
	m.tokenExpiry = m.now().Add(ttl)
	return m.token, nil
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// call POSTs payload and returns the raw 200 body. Transport failures, 5xx
// and token failures are unavailability; other statuses are rejections.
func (m *MpesaProvider) call(ctx context.Context, op, path string, payload any) ([]byte, error) {
	token, err := m.getAccessToken(ctx)
	if err != nil {
		return nil, domain.Unavailable(m.Provider(), op, fmt.Errorf("failed to get access token: %w", err))
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, domain.Unavailable(m.Provider(), op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Unavailable(m.Provider(), op, err)
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	m.logger.Warn("mpesa api error",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("error_code", apiErr.ErrorCode),
		zap.String("error_message", apiErr.ErrorMessage),
	)

	if apiErr.ErrorCode == ProcessingCode {
		return nil, domain.Rejected(m.Provider(), op, apiErr.ErrorCode, apiErr.ErrorMessage)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		m.invalidateToken()
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.Unavailable(m.Provider(), op,
			fmt.Errorf("status %d: %s %s", resp.StatusCode, apiErr.ErrorCode, apiErr.ErrorMessage))
	}
	code := apiErr.ErrorCode
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}
	return nil, domain.Rejected(m.Provider(), op, code, apiErr.ErrorMessage)
}

func (m *MpesaProvider) invalidateToken() {
	m.tokenMu.Lock()
	m.token = ""
	m.tokenMu.Unlock()
}

// NormalizePhone converts 07XXXXXXXX / +2547XXXXXXXX forms to 2547XXXXXXXX.
func NormalizePhone(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "+")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return p
}
