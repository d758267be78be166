package provider

import (
	"strings"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

// UnmappedResultDetail is recorded when a provider result code has no entry
// in the vocabulary.
const UnmappedResultDetail = "unmapped provider result"

// ResultVocabulary maps provider result codes to record statuses. Lookups
// are case-insensitive.
type ResultVocabulary struct {
	codes map[string]domain.Status
}

func NewResultVocabulary(codes map[string]domain.Status) ResultVocabulary {
	v := ResultVocabulary{codes: make(map[string]domain.Status, len(codes))}
	for code, st := range codes {
		v.codes[strings.ToUpper(strings.TrimSpace(code))] = st
	}
	return v
}

func (v ResultVocabulary) Lookup(code string) (domain.Status, bool) {
	st, ok := v.codes[strings.ToUpper(strings.TrimSpace(code))]
	return st, ok
}

// Resolve maps code, falling back to FAILED with UnmappedResultDetail so an
// unrecognized result is never treated as success.
func (v ResultVocabulary) Resolve(code string) (status domain.Status, detail string) {
	if st, ok := v.Lookup(code); ok {
		return st, ""
	}
	return domain.StatusFailed, UnmappedResultDetail
}
