// internal/handler/callback_handler.go
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/usecase"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCallbackBytes = 1 << 20

type CallbackApplier interface {
	ApplyCallback(ctx context.Context, p domain.Provider, payload []byte) usecase.CallbackResult
}

type CallbackHandler struct {
	engine CallbackApplier
	logger *zap.Logger
}

func NewCallbackHandler(engine CallbackApplier, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleProviderCallback receives a provider result. The provider always
// gets a 200 with its acknowledgment body; outcomes are only logged.
func (h *CallbackHandler) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "provider")

	h.logger.Info("received provider callback",
		zap.String("provider", slug),
		zap.String("remote_addr", r.RemoteAddr))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Error("failed to read callback payload",
			zap.String("provider", slug),
			zap.Error(err))
		payload = nil
	}

	p, err := domain.ParseProvider(slug)
	if err != nil {
		p = domain.Provider(slug)
	}

	res := h.engine.ApplyCallback(r.Context(), p, payload)
	fields := []zap.Field{
		zap.String("provider", string(p)),
		zap.String("outcome", string(res.Outcome)),
	}
	if res.Record != nil {
		fields = append(fields,
			zap.String("transaction_id", res.Record.TransactionID),
			zap.String("status", string(res.Record.Status)))
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	h.logger.Info("provider callback acknowledged", fields...)

	ack := res.Ack
	if len(ack) == 0 {
		ack = usecase.DefaultAck
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(ack); err != nil {
		h.logger.Error("failed to write callback ack", zap.Error(err))
	}
}
