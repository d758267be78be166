package usecase

import (
	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Observer receives every reconciliation event worth an operator's attention.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	CallbackApplied(ev provider.CallbackEvent, before, after domain.Transaction)
	DuplicateCallback(ev provider.CallbackEvent, rec domain.Transaction)
	InconsistentCallback(ev provider.CallbackEvent, rec domain.Transaction, attempted domain.Status)
	StaleCallback(ev provider.CallbackEvent, rec domain.Transaction, attempted domain.Status)
	OrphanCallback(ev provider.CallbackEvent, reason string)
	CallbackRejected(p domain.Provider, err error)
	PullCompleted(outcome Outcome, before, after domain.Transaction)
	PullFailed(key domain.Key, err error)
}

// Metrics
var (
	callbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_callbacks_total",
			Help: "Provider callbacks by reconciliation outcome",
		},
		[]string{"provider", "outcome"},
	)

	activePullsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_active_pulls_total",
			Help: "Active status pulls by result",
		},
		[]string{"provider", "result"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_transitions_total",
			Help: "Persisted status transitions by target status",
		},
		[]string{"provider", "status"},
	)
)

// ZapObserver logs with zap and counts with Prometheus.
type ZapObserver struct {
	logger *zap.Logger
}

func NewZapObserver(logger *zap.Logger) *ZapObserver {
	return &ZapObserver{logger: logger}
}

func (o *ZapObserver) CallbackApplied(ev provider.CallbackEvent, before, after domain.Transaction) {
	callbacksTotal.WithLabelValues(string(ev.Provider), string(OutcomeApplied)).Inc()
	transitionsTotal.WithLabelValues(string(after.Provider), string(after.Status)).Inc()
	o.logger.Info("callback applied",
		zap.String("transaction_id", after.TransactionID),
		zap.String("correlation_id", after.CorrelationID),
		zap.String("provider", string(after.Provider)),
		zap.String("result_code", ev.ResultCode),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
		zap.String("receipt_ref", after.ReceiptRef),
	)
	if ev.Amount != nil && !before.Amount.Equal(*ev.Amount) {
		o.logger.Warn("callback corrected transaction amount",
			zap.String("transaction_id", after.TransactionID),
			zap.String("initiated_amount", before.Amount.String()),
			zap.String("settled_amount", ev.Amount.String()),
		)
	}
}

func (o *ZapObserver) DuplicateCallback(ev provider.CallbackEvent, rec domain.Transaction) {
	callbacksTotal.WithLabelValues(string(ev.Provider), string(OutcomeDuplicate)).Inc()
	o.logger.Info("duplicate callback ignored",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("provider", string(rec.Provider)),
		zap.String("result_code", ev.ResultCode),
		zap.String("status", string(rec.Status)),
	)
}

func (o *ZapObserver) InconsistentCallback(ev provider.CallbackEvent, rec domain.Transaction, attempted domain.Status) {
	callbacksTotal.WithLabelValues(string(ev.Provider), string(OutcomeInconsistent)).Inc()
	o.logger.Error("inconsistent callback: terminal status preserved",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("provider", string(rec.Provider)),
		zap.String("result_code", ev.ResultCode),
		zap.String("recorded_status", string(rec.Status)),
		zap.String("callback_status", string(attempted)),
		zap.Error(domain.ErrInconsistentCallback),
	)
}

func (o *ZapObserver) StaleCallback(ev provider.CallbackEvent, rec domain.Transaction, attempted domain.Status) {
	callbacksTotal.WithLabelValues(string(ev.Provider), string(OutcomeStale)).Inc()
	o.logger.Debug("stale callback ignored",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("status", string(rec.Status)),
		zap.String("callback_status", string(attempted)),
	)
}

func (o *ZapObserver) OrphanCallback(ev provider.CallbackEvent, reason string) {
	callbacksTotal.WithLabelValues(string(ev.Provider), string(OutcomeOrphan)).Inc()
	o.logger.Warn("orphan callback dropped",
		zap.String("provider", string(ev.Provider)),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("secondary_id", ev.SecondaryID),
		zap.String("result_code", ev.ResultCode),
		zap.String("reason", reason),
		zap.ByteString("payload", ev.Raw),
	)
}

func (o *ZapObserver) CallbackRejected(p domain.Provider, err error) {
	callbacksTotal.WithLabelValues(string(p), string(OutcomeRejected)).Inc()
	o.logger.Warn("callback rejected",
		zap.String("provider", string(p)),
		zap.Error(err),
	)
}

func (o *ZapObserver) PullCompleted(outcome Outcome, before, after domain.Transaction) {
	activePullsTotal.WithLabelValues(string(after.Provider), string(outcome)).Inc()
	if outcome == OutcomeApplied {
		transitionsTotal.WithLabelValues(string(after.Provider), string(after.Status)).Inc()
	}
	fields := []zap.Field{
		zap.String("transaction_id", after.TransactionID),
		zap.String("correlation_id", after.CorrelationID),
		zap.String("provider", string(after.Provider)),
		zap.String("outcome", string(outcome)),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)),
	}
	if outcome == OutcomeInconsistent {
		o.logger.Error("active pull disagrees with recorded terminal status", fields...)
		return
	}
	o.logger.Info("active pull completed", fields...)
}

func (o *ZapObserver) PullFailed(key domain.Key, err error) {
	activePullsTotal.WithLabelValues(string(key.Provider), "error").Inc()
	o.logger.Warn("active pull failed, serving stored status",
		zap.String("provider", string(key.Provider)),
		zap.String("correlation_id", key.CorrelationID),
		zap.Error(err),
	)
}
