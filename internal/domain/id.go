package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const TransactionIDPrefix = "txn"

// NewTransactionID returns a sortable caller-visible alias, txn_<ULID>.
func NewTransactionID(at time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(at), ulid.Monotonic(rand.Reader, 0))
	return TransactionIDPrefix + "_" + id.String()
}

// IsTransactionID reports whether s has the alias shape. Correlation ids are
// provider-issued and never carry the prefix.
func IsTransactionID(s string) bool {
	rest, ok := strings.CutPrefix(s, TransactionIDPrefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}
