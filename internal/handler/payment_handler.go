// internal/handler/payment_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strconv"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/repository"
	"github.com/Mileskamau/mpesa-backend/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Initiator interface {
	Initiate(ctx context.Context, req usecase.InitiateRequest) (*usecase.Initiation, error)
}

type StatusQuerier interface {
	QueryStatus(ctx context.Context, id string) (usecase.StatusSummary, error)
	ListSummaries(ctx context.Context, f repository.Filter) iter.Seq2[usecase.StatusSummary, error]
}

type PaymentHandler struct {
	payments Initiator
	status   StatusQuerier
	logger   *zap.Logger
}

func NewPaymentHandler(payments Initiator, status StatusQuerier, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		status:   status,
		logger:   logger,
	}
}

type initiateBody struct {
	Provider    string          `json:"provider"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PayerRef    string          `json:"payer_ref"`
	Description string          `json:"description"`
	SubjectID   string          `json:"subject_id"`
	ReferenceID string          `json:"reference_id"`
}

// HandleInitiate starts a payment with the requested provider.
func (h *PaymentHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body initiateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("failed to decode initiation request", zap.Error(err))
		sendError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	p, err := domain.ParseProvider(body.Provider)
	if err != nil {
		sendError(w, http.StatusBadRequest, "unsupported provider", err)
		return
	}

	initiation, err := h.payments.Initiate(ctx, usecase.InitiateRequest{
		Provider:    p,
		Amount:      body.Amount,
		Currency:    body.Currency,
		PayerRef:    body.PayerRef,
		Description: body.Description,
		SubjectID:   body.SubjectID,
		ReferenceID: body.ReferenceID,
	})
	if err != nil {
		code := statusFor(err)
		h.logger.Error("failed to initiate payment",
			zap.String("provider", string(p)),
			zap.String("reference_id", body.ReferenceID),
			zap.Int("http_status", code),
			zap.Error(err))
		sendError(w, code, "failed to initiate payment", err)
		return
	}

	h.logger.Info("payment initiated",
		zap.String("transaction_id", initiation.Transaction.TransactionID),
		zap.String("correlation_id", initiation.Transaction.CorrelationID),
		zap.String("provider", string(p)))
	sendSuccess(w, http.StatusCreated, "payment initiated", initiation)
}

// HandleGetStatus answers a client poll. Anything other than not-found is
// served as a pending view so polling clients keep polling.
func (h *PaymentHandler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transaction_id")

	summary, err := h.status.QueryStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			sendError(w, http.StatusNotFound, "payment not found", nil)
			return
		}
		h.logger.Error("status query failed, serving pending view",
			zap.String("id", id),
			zap.Error(err))
		summary = usecase.StatusSummary{
			TransactionID: id,
			Status:        domain.SummaryPending,
			Message:       "status temporarily unavailable",
		}
	}
	sendSuccess(w, http.StatusOK, "payment status", summary)
}

// HandleList returns summaries newest first, filtered by the query string.
func (h *PaymentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repository.Filter{SubjectID: q.Get("subject_id"), Limit: defaultListLimit}

	if v := q.Get("provider"); v != "" {
		p, err := domain.ParseProvider(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid provider", err)
			return
		}
		f.Provider = p
	}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid status", err)
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	items := make([]usecase.StatusSummary, 0, f.Limit)
	for s, err := range h.status.ListSummaries(r.Context(), f) {
		if err != nil {
			h.logger.Error("failed to list payments", zap.Error(err))
			sendError(w, http.StatusInternalServerError, "failed to list payments", err)
			return
		}
		items = append(items, s)
	}
	sendSuccess(w, http.StatusOK, "payments", items)
}
