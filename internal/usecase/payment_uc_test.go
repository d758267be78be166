package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
	"github.com/Mileskamau/mpesa-backend/internal/repository"

	"github.com/shopspring/decimal"
)

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	valid := InitiateRequest{
		Provider:  domain.ProviderMobileMoney,
		Amount:    decimal.NewFromInt(100),
		PayerRef:  "254708374149",
		SubjectID: "user-1",
	}

	tests := []struct {
		name   string
		mutate func(r *InitiateRequest)
		want   error
	}{
		{"unknown provider", func(r *InitiateRequest) { r.Provider = "CRYPTO" }, domain.ErrUnknownProvider},
		{"zero amount", func(r *InitiateRequest) { r.Amount = decimal.Zero }, domain.ErrInvalidRequest},
		{"missing payer", func(r *InitiateRequest) { r.PayerRef = " " }, domain.ErrInvalidRequest},
		{"missing subject", func(r *InitiateRequest) { r.SubjectID = "" }, domain.ErrInvalidRequest},
		{"no adapter", func(r *InitiateRequest) {
			r.Provider = domain.ProviderCardWallet
			r.Currency = "USD"
		}, domain.ErrUnknownProvider},
		{"card without currency", func(r *InitiateRequest) { r.Provider = domain.ProviderCardWallet }, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := h.payments.Initiate(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInitiateProviderRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.adapter.initiate = func(provider.InitiateRequest) (*provider.InitiateResult, error) {
		return nil, domain.Rejected(domain.ProviderMobileMoney, "stk push", "400.002.02", "Bad Request - Invalid PhoneNumber")
	}

	_, err := h.payments.Initiate(context.Background(), InitiateRequest{
		Provider:  domain.ProviderMobileMoney,
		Amount:    decimal.NewFromInt(100),
		PayerRef:  "0700",
		SubjectID: "user-1",
	})
	if !errors.Is(err, domain.ErrProviderRejected) {
		t.Fatalf("err = %v, want ErrProviderRejected", err)
	}
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Code != "400.002.02" {
		t.Fatalf("provider code not preserved: %v", err)
	}
	for rec := range h.store.List(context.Background(), repository.Filter{}) {
		t.Fatalf("rejected initiation stored a record: %+v", rec)
	}
}
