// internal/domain/transaction.go
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderMobileMoney Provider = "MOBILE_MONEY"
	ProviderCardWallet  Provider = "CARD_WALLET"
)

// Providers lists every known provider in lookup order.
var Providers = []Provider{ProviderMobileMoney, ProviderCardWallet}

func (p Provider) Valid() bool {
	switch p {
	case ProviderMobileMoney, ProviderCardWallet:
		return true
	}
	return false
}

// Slug is the URL-safe form used in callback paths.
func (p Provider) Slug() string {
	switch p {
	case ProviderMobileMoney:
		return "mpesa"
	case ProviderCardWallet:
		return "card-wallet"
	}
	return strings.ToLower(string(p))
}

// ParseProvider accepts the enum value or its slug.
func ParseProvider(s string) (Provider, error) {
	v := strings.TrimSpace(s)
	for _, p := range Providers {
		if strings.EqualFold(v, string(p)) || strings.EqualFold(v, p.Slug()) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Key addresses one record. The provider is part of the key so equal
// correlation ids issued by different providers never collide.
type Key struct {
	Provider      Provider
	CorrelationID string
}

func (k Key) String() string {
	return string(k.Provider) + ":" + k.CorrelationID
}

// Transaction is one payment attempt and everything learned about it since.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	CorrelationID string          `json:"correlation_id"`
	Provider      Provider        `json:"provider"`
	SecondaryID   string          `json:"secondary_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	SubjectID     string          `json:"subject_id"`
	ReferenceID   string          `json:"reference_id"`

	Status       Status `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`
	ReceiptRef   string `json:"receipt_ref,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	TerminalAt *time.Time `json:"terminal_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`

	RawProviderPayload json.RawMessage `json:"raw_provider_payload,omitempty"`
}

// Timestamp normalizes t to UTC at microsecond precision, the resolution
// every store keeps, so a record reads back exactly as it was written.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Now is the clock records are stamped with.
func Now() time.Time {
	return Timestamp(time.Now())
}

func (t Transaction) Key() Key {
	return Key{Provider: t.Provider, CorrelationID: t.CorrelationID}
}

// Transition moves the record to the given status, stamping TerminalAt the
// first time a terminal status is reached.
func (t *Transaction) Transition(to Status, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = at
	if to.IsTerminal() && t.TerminalAt == nil {
		ts := at
		t.TerminalAt = &ts
	}
	return nil
}

// Validate checks the invariants a stored record must satisfy.
func (t Transaction) Validate() error {
	if !t.Provider.Valid() {
		return fmt.Errorf("%w: provider %q", ErrInvalidRequest, t.Provider)
	}
	if t.CorrelationID == "" {
		return fmt.Errorf("%w: correlation_id is required", ErrInvalidRequest)
	}
	if t.TransactionID == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidRequest)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRequest, t.Status)
	}
	if t.Status.IsTerminal() != (t.TerminalAt != nil) {
		return fmt.Errorf("%w: terminal_at must be set iff status is terminal", ErrInvalidRequest)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Clone returns a copy that shares no mutable memory with t.
func (t Transaction) Clone() Transaction {
	c := t
	if t.TerminalAt != nil {
		ts := *t.TerminalAt
		c.TerminalAt = &ts
	}
	if t.SettledAt != nil {
		ts := *t.SettledAt
		c.SettledAt = &ts
	}
	if t.RawProviderPayload != nil {
		c.RawProviderPayload = append(json.RawMessage(nil), t.RawProviderPayload...)
	}
	return c
}
