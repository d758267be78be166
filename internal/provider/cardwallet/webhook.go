package cardwallet

import (
	"encoding/json"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
)

var Ack = json.RawMessage(`{"status":"received"}`)

// Vocabulary covers webhook event types (callbacks) and order/capture
// statuses (pulls).
var Vocabulary = provider.NewResultVocabulary(map[string]domain.Status{
	// webhook events
	"CHECKOUT.ORDER.APPROVED":   domain.StatusAcknowledged,
	"CHECKOUT.ORDER.COMPLETED":  domain.StatusSucceeded,
	"CHECKOUT.ORDER.VOIDED":     domain.StatusFailed,
	"PAYMENT.CAPTURE.PENDING":   domain.StatusPending,
	"PAYMENT.CAPTURE.COMPLETED": domain.StatusSucceeded,
	"PAYMENT.CAPTURE.DENIED":    domain.StatusFailed,
	"PAYMENT.CAPTURE.DECLINED":  domain.StatusFailed,

	// order status
	"CREATED":               domain.StatusPending,
	"SAVED":                 domain.StatusPending,
	"PAYER_ACTION_REQUIRED": domain.StatusPending,
	"APPROVED":              domain.StatusAcknowledged,
	"VOIDED":                domain.StatusFailed,
	"COMPLETED":             domain.StatusSucceeded,

	// capture status
	"PENDING":            domain.StatusPending,
	"DECLINED":           domain.StatusFailed,
	"FAILED":             domain.StatusFailed,
	"REFUNDED":           domain.StatusSucceeded,
	"PARTIALLY_REFUNDED": domain.StatusSucceeded,
})

// FieldMap returns the webhook field-mapping table. Capture events carry the
// order id under supplementary_data; order events carry it as resource.id.
func FieldMap() *provider.FieldMap {
	return &provider.FieldMap{
		Provider: domain.ProviderCardWallet,
		CorrelationID: []string{
			"resource.supplementary_data.related_ids.order_id",
			"resource.id",
		},
		ResultCode: []string{"event_type"},
		Message:    []string{"summary"},
		Amount: []string{
			"resource.amount.value",
			"resource.purchase_units.0.amount.value",
		},
		Currency: []string{
			"resource.amount.currency_code",
			"resource.purchase_units.0.amount.currency_code",
		},
		Receipt: []string{
			"resource.purchase_units.0.payments.captures.0.id",
			"resource.id",
		},
		SettledAt: []string{
			"resource.update_time",
			"resource.create_time",
		},
		SettledAtLayouts: []string{time.RFC3339Nano, time.RFC3339},
		Ack:              Ack,
		Vocabulary:       Vocabulary,
	}
}
