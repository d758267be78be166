package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/repository"
)

// StatusSummary is the provider-agnostic answer to a poll.
type StatusSummary struct {
	TransactionID string               `json:"transaction_id"`
	Provider      domain.Provider      `json:"provider"`
	Status        domain.SummaryStatus `json:"status"`
	Succeeded     bool                 `json:"succeeded"`
	Message       string               `json:"message"`
	Raw           domain.Transaction   `json:"raw"`
}

func Summarize(rec domain.Transaction) StatusSummary {
	st := rec.Status.Summary()
	msg := rec.StatusDetail
	if msg == "" {
		switch st {
		case domain.SummarySucceeded:
			msg = "payment completed"
		case domain.SummaryFailed:
			msg = "payment failed"
		default:
			msg = "awaiting provider confirmation"
		}
	}
	return StatusSummary{
		TransactionID: rec.TransactionID,
		Provider:      rec.Provider,
		Status:        st,
		Succeeded:     st == domain.SummarySucceeded,
		Message:       msg,
		Raw:           rec,
	}
}

// StatusView resolves client-facing identifiers across every provider's
// record space without ever merging records from different providers.
type StatusView struct {
	store     repository.TransactionStore
	providers []domain.Provider
}

func NewStatusView(store repository.TransactionStore, providers []domain.Provider) *StatusView {
	return &StatusView{store: store, providers: providers}
}

// Resolve tries id as a transaction alias when it has the txn_ shape, then
// as a correlation id in each provider's space in order. First match wins.
func (v *StatusView) Resolve(ctx context.Context, id string) (domain.Transaction, error) {
	if id == "" {
		return domain.Transaction{}, fmt.Errorf("%w: empty id", domain.ErrNotFound)
	}

	if domain.IsTransactionID(id) {
		rec, err := v.store.GetByTransactionID(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Transaction{}, err
		}
	}

	for _, p := range v.providers {
		rec, err := v.store.GetByCorrelationID(ctx, domain.Key{Provider: p, CorrelationID: id})
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Transaction{}, err
		}
	}
	return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

func (v *StatusView) ListSummaries(ctx context.Context, f repository.Filter) iter.Seq2[StatusSummary, error] {
	return func(yield func(StatusSummary, error) bool) {
		for rec, err := range v.store.List(ctx, f) {
			if err != nil {
				yield(StatusSummary{}, err)
				return
			}
			if !yield(Summarize(rec), nil) {
				return
			}
		}
	}
}
