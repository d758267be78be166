package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateKey         = errors.New("duplicate key")
	ErrNotFound             = errors.New("not found")
	ErrProviderRejected     = errors.New("provider rejected request")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrInconsistentCallback = errors.New("inconsistent callback")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrUnknownProvider      = errors.New("unknown provider")
	ErrInvalidRequest       = errors.New("invalid request")
)

// ProviderError carries the provider's own code and message for a failed
// outbound call. Kind is ErrProviderRejected or ErrProviderUnavailable.
type ProviderError struct {
	Provider Provider
	Op       string
	Code     string
	Details  string
	Kind     error
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.Code != "" {
		msg += " (code " + e.Code + ")"
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func Rejected(p Provider, op, code, details string) error {
	return &ProviderError{Provider: p, Op: op, Code: code, Details: details, Kind: ErrProviderRejected}
}

func Unavailable(p Provider, op string, cause error) error {
	e := &ProviderError{Provider: p, Op: op, Kind: ErrProviderUnavailable, Cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}
