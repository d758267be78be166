// internal/repository/store.go
package repository

import (
	"context"
	"errors"
	"iter"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

var (
	// ErrNoChange is returned by a Mutator to leave the stored record untouched.
	ErrNoChange = errors.New("no change")
	// ErrImmutableField means a mutator tried to rewrite identity fields.
	ErrImmutableField = errors.New("immutable field changed")
	// ErrConflict means an optimistic update kept losing the race.
	ErrConflict = errors.New("update conflict")
)

// Mutator is a pure transformation applied under the per-key lock. It may be
// invoked more than once by optimistic backends, so it must not have side
// effects beyond its return value.
type Mutator func(current domain.Transaction) (domain.Transaction, error)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Provider  domain.Provider
	Status    domain.Status
	SubjectID string
	Limit     int
}

func (f Filter) Match(t domain.Transaction) bool {
	if f.Provider != "" && t.Provider != f.Provider {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.SubjectID != "" && t.SubjectID != f.SubjectID {
		return false
	}
	return true
}

// TransactionStore owns the canonical copy of every Transaction. Update is the
// only mutation primitive and is atomic per key.
type TransactionStore interface {
	Put(ctx context.Context, rec domain.Transaction) error
	GetByCorrelationID(ctx context.Context, key domain.Key) (domain.Transaction, error)
	FindBySecondaryID(ctx context.Context, provider domain.Provider, secondaryID string) (domain.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (domain.Transaction, error)
	Update(ctx context.Context, key domain.Key, mutate Mutator) (domain.Transaction, error)
	// List yields newest-first. Ranging over the sequence again re-runs the query.
	List(ctx context.Context, f Filter) iter.Seq2[domain.Transaction, error]
}

// applyMutator runs mutate and enforces the identity invariants shared by all
// backends. changed is false when the mutator asked for no write.
func applyMutator(current domain.Transaction, mutate Mutator) (next domain.Transaction, changed bool, err error) {
	next, err = mutate(current.Clone())
	if errors.Is(err, ErrNoChange) {
		return current, false, nil
	}
	if err != nil {
		return current, false, err
	}
	if next.CorrelationID != current.CorrelationID ||
		next.Provider != current.Provider ||
		next.TransactionID != current.TransactionID ||
		!next.CreatedAt.Equal(current.CreatedAt) {
		return current, false, ErrImmutableField
	}
	if current.SecondaryID != "" && next.SecondaryID != current.SecondaryID {
		return current, false, ErrImmutableField
	}
	if current.Status.IsTerminal() && next.Status != current.Status {
		return current, false, domain.ErrInvalidTransition
	}
	if current.TerminalAt != nil && (next.TerminalAt == nil || !next.TerminalAt.Equal(*current.TerminalAt)) {
		return current, false, ErrImmutableField
	}
	if err := next.Validate(); err != nil {
		return current, false, err
	}
	return next, true, nil
}
