package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/shopspring/decimal"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(p domain.Provider, corr, alias string, created time.Time) domain.Transaction {
	return domain.Transaction{
		TransactionID: alias,
		CorrelationID: corr,
		Provider:      p,
		Amount:        decimal.NewFromInt(500),
		Currency:      "KES",
		SubjectID:     "user-1",
		Status:        domain.StatusCreated,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestMemoryStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord(domain.ProviderMobileMoney, "ws_CO_1", "txn_1", baseTime)
	rec.SecondaryID = "mr-1"

	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetByCorrelationID(ctx, rec.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TransactionID != "txn_1" || !got.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected record: %+v", got)
	}

	bySec, err := s.FindBySecondaryID(ctx, domain.ProviderMobileMoney, "mr-1")
	if err != nil || bySec.CorrelationID != "ws_CO_1" {
		t.Fatalf("secondary lookup: %+v %v", bySec, err)
	}
	if _, err := s.FindBySecondaryID(ctx, domain.ProviderCardWallet, "mr-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("secondary lookup must be provider scoped, got %v", err)
	}

	byAlias, err := s.GetByTransactionID(ctx, "txn_1")
	if err != nil || byAlias.CorrelationID != "ws_CO_1" {
		t.Fatalf("alias lookup: %+v %v", byAlias, err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord(domain.ProviderMobileMoney, "ws_CO_1", "txn_1", baseTime)
	rec.RawProviderPayload = []byte(`{"a":1}`)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _ := s.GetByCorrelationID(ctx, rec.Key())
	got.Status = domain.StatusFailed
	got.RawProviderPayload[0] = 'x'

	again, _ := s.GetByCorrelationID(ctx, rec.Key())
	if again.Status != domain.StatusCreated || string(again.RawProviderPayload) != `{"a":1}` {
		t.Fatalf("stored record was mutated through a returned copy: %+v", again)
	}
}

func TestMemoryStorePutDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord(domain.ProviderMobileMoney, "ws_CO_1", "txn_1", baseTime)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	tests := []struct {
		name string
		rec  domain.Transaction
		want error
	}{
		{"same key", newRecord(domain.ProviderMobileMoney, "ws_CO_1", "txn_2", baseTime), domain.ErrDuplicateKey},
		{"same alias", newRecord(domain.ProviderMobileMoney, "ws_CO_2", "txn_1", baseTime), domain.ErrDuplicateKey},
		{"same id other provider", newRecord(domain.ProviderCardWallet, "ws_CO_1", "txn_3", baseTime), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(ctx, tt.rec)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMemoryStorePutRejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	rec := newRecord(domain.ProviderMobileMoney, "", "txn_1", baseTime)
	if err := s.Put(context.Background(), rec); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecord(domain.ProviderMobileMoney, "ws_CO_1", "txn_1", baseTime)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	next, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
		cur.SecondaryID = "mr-9"
		err := cur.Transition(domain.StatusSucceeded, baseTime.Add(time.Minute))
		return cur, err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if next.Status != domain.StatusSucceeded || next.TerminalAt == nil {
		t.Fatalf("unexpected result: %+v", next)
	}
	if _, err := s.FindBySecondaryID(ctx, domain.ProviderMobileMoney, "mr-9"); err != nil {
		t.Fatalf("secondary id set by update was not indexed: %v", err)
	}

	t.Run("no change", func(t *testing.T) {
		got, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
			return cur, ErrNoChange
		})
		if err != nil || got.Status != domain.StatusSucceeded {
			t.Fatalf("got %+v, %v", got, err)
		}
	})

	t.Run("terminal is immutable", func(t *testing.T) {
		_, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
			cur.Status = domain.StatusFailed
			return cur, nil
		})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})

	t.Run("identity is immutable", func(t *testing.T) {
		_, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
			cur.TransactionID = "txn_other"
			return cur, nil
		})
		if !errors.Is(err, ErrImmutableField) {
			t.Fatalf("expected immutable field, got %v", err)
		}
	})

	t.Run("mutator error aborts", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
			return cur, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected mutator error, got %v", err)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Update(ctx, domain.Key{Provider: domain.ProviderMobileMoney, CorrelationID: "nope"},
			func(cur domain.Transaction) (domain.Transaction, error) { return cur, nil })
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

// Concurrent read-modify-write on one key must not lose increments.
func TestMemoryStoreUpdateNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStoreWithShards(4)
	rec := newRecord(domain.ProviderCardWallet, "ORDER-1", "txn_1", baseTime)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, rec.Key(), func(cur domain.Transaction) (domain.Transaction, error) {
				cur.Amount = cur.Amount.Add(decimal.NewFromInt(1))
				return cur, nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetByCorrelationID(ctx, rec.Key())
	if want := decimal.NewFromInt(500 + workers); !got.Amount.Equal(want) {
		t.Fatalf("expected amount %s, got %s", want, got.Amount)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		p := domain.ProviderMobileMoney
		if i%2 == 1 {
			p = domain.ProviderCardWallet
		}
		rec := newRecord(p, fmt.Sprintf("corr-%d", i), fmt.Sprintf("txn_%d", i), baseTime.Add(time.Duration(i)*time.Minute))
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	var got []string
	for rec, err := range s.List(ctx, Filter{}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		got = append(got, rec.CorrelationID)
	}
	want := []string{"corr-4", "corr-3", "corr-2", "corr-1", "corr-0"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	var cards []string
	for rec, err := range s.List(ctx, Filter{Provider: domain.ProviderCardWallet, Limit: 1}) {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		cards = append(cards, rec.CorrelationID)
	}
	if len(cards) != 1 || cards[0] != "corr-3" {
		t.Fatalf("expected [corr-3], got %v", cards)
	}
}

func TestMemoryStoreListIsRestartable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seq := s.List(ctx, Filter{})

	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			n++
		}
		return n
	}
	if n := count(); n != 0 {
		t.Fatalf("expected empty listing, got %d", n)
	}

	if err := s.Put(ctx, newRecord(domain.ProviderMobileMoney, "c1", "txn_1", baseTime)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if n := count(); n != 1 {
		t.Fatalf("second range must observe the new record, got %d", n)
	}
}

func TestMemoryStoreListStopsEarly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_ = s.Put(ctx, newRecord(domain.ProviderMobileMoney, fmt.Sprintf("c%d", i), fmt.Sprintf("txn_%d", i), baseTime))
	}
	n := 0
	for range s.List(ctx, Filter{}) {
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected to stop after one record, got %d", n)
	}
}
