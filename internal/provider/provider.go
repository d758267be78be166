// internal/provider/provider.go
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/shopspring/decimal"
)

// Adapter is the outbound side of one payment provider.
type Adapter interface {
	Provider() domain.Provider

	// Initiate asks the provider to start a payment. Failures are
	// *domain.ProviderError values wrapping ErrProviderRejected or
	// ErrProviderUnavailable.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
}

// StatusFetcher is implemented by adapters that support an active status
// pull for a correlation id.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, correlationID string) (*StatusResult, error)
}

type InitiateRequest struct {
	Amount         decimal.Decimal
	Currency       string
	PayerRef       string // phone number for mobile money, payer email for card/wallet
	ReferenceID    string
	Description    string
	CallbackTarget string
}

type InitiateResult struct {
	CorrelationID string
	SecondaryID   string
	Message       string
	Raw           json.RawMessage
}

// StatusResult is what an active pull learned. ResultCode is looked up in the
// provider's ResultVocabulary exactly like a callback result code.
type StatusResult struct {
	ResultCode string
	Message    string
	Amount     *decimal.Decimal
	Currency   string
	ReceiptRef string
	SettledAt  *time.Time
	Raw        json.RawMessage
}
