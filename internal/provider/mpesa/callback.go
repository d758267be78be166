package mpesa

import (
	"encoding/json"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
)

// eat is East Africa Time; Daraja TransactionDate values carry no zone.
var eat = time.FixedZone("EAT", 3*60*60)

// Ack is the body Daraja expects back from a callback URL.
var Ack = json.RawMessage(`{"ResultCode":0,"ResultDesc":"Accepted"}`)

// Vocabulary covers STK callback and STK query result codes.
var Vocabulary = provider.NewResultVocabulary(map[string]domain.Status{
	"0":            domain.StatusSucceeded,
	"1":            domain.StatusFailed, // insufficient balance
	"17":           domain.StatusFailed, // M-Pesa system internal error
	"26":           domain.StatusFailed, // system busy
	"1001":         domain.StatusFailed, // subscriber busy / transaction in progress
	"1019":         domain.StatusFailed, // transaction expired
	"1025":         domain.StatusFailed, // push could not be sent
	"1032":         domain.StatusFailed, // cancelled by user
	"1037":         domain.StatusFailed, // DS timeout, user unreachable
	"2001":         domain.StatusFailed, // wrong PIN
	"9999":         domain.StatusFailed,
	ProcessingCode: domain.StatusPending,
})

// FieldMap returns the STK callback field-mapping table.
//
//	{"Body":{"stkCallback":{"MerchantRequestID":"...","CheckoutRequestID":"...",
//	  "ResultCode":0,"ResultDesc":"...","CallbackMetadata":{"Item":[
//	    {"Name":"Amount","Value":500},{"Name":"MpesaReceiptNumber","Value":"..."},
//	    {"Name":"TransactionDate","Value":20240301121500},{"Name":"PhoneNumber","Value":2547...}]}}}}
func FieldMap() *provider.FieldMap {
	const cb = "Body.stkCallback."
	return &provider.FieldMap{
		Provider:         domain.ProviderMobileMoney,
		CorrelationID:    []string{cb + "CheckoutRequestID"},
		SecondaryID:      []string{cb + "MerchantRequestID"},
		ResultCode:       []string{cb + "ResultCode"},
		Message:          []string{cb + "ResultDesc"},
		Amount:           []string{cb + "CallbackMetadata.Item.Amount"},
		Receipt:          []string{cb + "CallbackMetadata.Item.MpesaReceiptNumber"},
		SettledAt:        []string{cb + "CallbackMetadata.Item.TransactionDate"},
		SettledAtLayouts: []string{timestampLayout},
		SettledAtZone:    eat,
		Ack:              Ack,
		Vocabulary:       Vocabulary,
	}
}
