// internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const callbackPathPrefix = "/api/v1/callbacks/"

// InitiateRequest is a client's request to start a payment.
type InitiateRequest struct {
	Provider    domain.Provider `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PayerRef    string          `json:"payer_ref"`
	Description string          `json:"description"`
	SubjectID   string          `json:"subject_id"`
	ReferenceID string          `json:"reference_id"`
}

func (r *InitiateRequest) Validate() error {
	if !r.Provider.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownProvider, r.Provider)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.PayerRef) == "" {
		return fmt.Errorf("%w: payer_ref is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", domain.ErrInvalidRequest)
	}
	return nil
}

// Initiation is the registered record plus whatever the provider wants shown
// to the payer (an approval link, "check your phone").
type Initiation struct {
	Transaction     domain.Transaction `json:"transaction"`
	ProviderMessage string             `json:"provider_message,omitempty"`
}

type PaymentUsecase struct {
	registry        *provider.Registry
	engine          *ReconcileUsecase
	callbackBaseURL string
	logger          *zap.Logger
}

func NewPaymentUsecase(registry *provider.Registry, engine *ReconcileUsecase, callbackBaseURL string, logger *zap.Logger) *PaymentUsecase {
	return &PaymentUsecase{
		registry:        registry,
		engine:          engine,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          logger,
	}
}

// CallbackTarget is the URL a provider is told to post results to.
func (uc *PaymentUsecase) CallbackTarget(p domain.Provider) string {
	return uc.callbackBaseURL + callbackPathPrefix + p.Slug()
}

// Initiate calls the provider once and registers the resulting correlation
// id. Provider failures are returned as is; nothing is retried.
func (uc *PaymentUsecase) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	if err := req.Validate(); err != nil {
		uc.logger.Warn("initiation validation failed",
			zap.String("provider", string(req.Provider)),
			zap.String("reference_id", req.ReferenceID),
			zap.Error(err))
		return nil, err
	}

	currency := domain.NormalizeCurrency(req.Currency)
	amount := req.Amount
	if req.Provider == domain.ProviderMobileMoney {
		// The mobile money rail charges whole shillings only.
		if currency == "" {
			currency = "KES"
		}
		amount = decimal.NewFromInt(domain.WholeUnits(req.Amount))
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", domain.ErrInvalidRequest)
	}

	adapter, err := uc.registry.Adapter(req.Provider)
	if err != nil {
		return nil, err
	}

	uc.logger.Info("initiating payment",
		zap.String("provider", string(req.Provider)),
		zap.String("reference_id", req.ReferenceID),
		zap.String("subject_id", req.SubjectID),
		zap.String("amount", amount.String()),
		zap.String("currency", currency))

	res, err := adapter.Initiate(ctx, provider.InitiateRequest{
		Amount:         amount,
		Currency:       currency,
		PayerRef:       req.PayerRef,
		ReferenceID:    req.ReferenceID,
		Description:    req.Description,
		CallbackTarget: uc.CallbackTarget(req.Provider),
	})
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) {
			uc.logger.Error("provider initiation failed",
				zap.String("provider", string(req.Provider)),
				zap.String("reference_id", req.ReferenceID),
				zap.String("code", perr.Code),
				zap.String("details", perr.Details),
				zap.Error(err))
		}
		return nil, err
	}

	rec, err := uc.engine.RegisterInitiation(ctx, InitiationInput{
		Provider:      req.Provider,
		CorrelationID: res.CorrelationID,
		SecondaryID:   res.SecondaryID,
		Amount:        amount,
		Currency:      currency,
		SubjectID:     req.SubjectID,
		ReferenceID:   req.ReferenceID,
		Raw:           res.Raw,
	})
	if err != nil {
		return nil, err
	}

	return &Initiation{Transaction: rec, ProviderMessage: res.Message}, nil
}
