package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/repository"

	"github.com/shopspring/decimal"
)

func putRecord(t *testing.T, store repository.TransactionStore, p domain.Provider, corr string, created time.Time) domain.Transaction {
	t.Helper()
	rec := domain.Transaction{
		TransactionID: domain.NewTransactionID(created),
		CorrelationID: corr,
		Provider:      p,
		Amount:        decimal.NewFromInt(25),
		Currency:      "USD",
		SubjectID:     "user-9",
		Status:        domain.StatusCreated,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	return rec
}

func TestStatusViewResolveOrder(t *testing.T) {
	store := repository.NewMemoryStore()
	now := time.Now().UTC()
	mobile := putRecord(t, store, domain.ProviderMobileMoney, "SHARED-1", now)
	card := putRecord(t, store, domain.ProviderCardWallet, "SHARED-1", now.Add(time.Second))
	view := NewStatusView(store, domain.Providers)
	ctx := context.Background()

	got, err := view.Resolve(ctx, "SHARED-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Provider != domain.ProviderMobileMoney || got.TransactionID != mobile.TransactionID {
		t.Fatalf("correlation id resolved to %s, want mobile money record", got.Provider)
	}

	got, err = view.Resolve(ctx, card.TransactionID)
	if err != nil {
		t.Fatalf("resolve alias: %v", err)
	}
	if got.Provider != domain.ProviderCardWallet {
		t.Fatalf("alias resolved to %s", got.Provider)
	}

	reversed := NewStatusView(store, []domain.Provider{domain.ProviderCardWallet, domain.ProviderMobileMoney})
	got, err = reversed.Resolve(ctx, "SHARED-1")
	if err != nil || got.Provider != domain.ProviderCardWallet {
		t.Fatalf("provider order not honoured: %+v %v", got, err)
	}

	if _, err := view.Resolve(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := view.Resolve(ctx, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("empty id err = %v", err)
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name      string
		status    domain.Status
		detail    string
		want      domain.SummaryStatus
		succeeded bool
		message   string
	}{
		{"created", domain.StatusCreated, "", domain.SummaryPending, false, "awaiting provider confirmation"},
		{"acknowledged", domain.StatusAcknowledged, "", domain.SummaryPending, false, "awaiting provider confirmation"},
		{"succeeded", domain.StatusSucceeded, "", domain.SummarySucceeded, true, "payment completed"},
		{"failed with detail", domain.StatusFailed, "Request cancelled by user", domain.SummaryFailed, false, "Request cancelled by user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(domain.Transaction{TransactionID: "txn_1", Status: tt.status, StatusDetail: tt.detail})
			if s.Status != tt.want || s.Succeeded != tt.succeeded || s.Message != tt.message {
				t.Fatalf("got %+v", s)
			}
		})
	}
}

func TestListSummaries(t *testing.T) {
	store := repository.NewMemoryStore()
	base := time.Now().UTC()
	for i, corr := range []string{"A", "B", "C"} {
		putRecord(t, store, domain.ProviderCardWallet, corr, base.Add(time.Duration(i)*time.Minute))
	}
	view := NewStatusView(store, domain.Providers)

	var got []string
	for s, err := range view.ListSummaries(context.Background(), repository.Filter{Limit: 2}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		got = append(got, s.Raw.CorrelationID)
	}
	if len(got) != 2 || got[0] != "C" || got[1] != "B" {
		t.Fatalf("got %v, want [C B]", got)
	}
}
