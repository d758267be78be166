// internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/events"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
	"github.com/Mileskamau/mpesa-backend/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeInconsistent Outcome = "inconsistent"
	OutcomeStale        Outcome = "stale"
	OutcomeOrphan       Outcome = "orphan"
	OutcomeBuffered     Outcome = "buffered"
	OutcomeRejected     Outcome = "rejected"
)

const orphanReason = "no transaction matches the callback identifiers"

// DefaultAck answers callbacks for providers without a mapping of their own.
var DefaultAck = json.RawMessage(`{"ResultCode":"0","ResultDesc":"Success"}`)

// CallbackResult is what ApplyCallback learned. Ack is always set and is the
// only part the provider ever sees.
type CallbackResult struct {
	Outcome Outcome
	Record  *domain.Transaction
	Ack     json.RawMessage
	Err     error
}

type InitiationInput struct {
	Provider      domain.Provider
	CorrelationID string
	SecondaryID   string
	Amount        decimal.Decimal
	Currency      string
	SubjectID     string
	ReferenceID   string
	Raw           json.RawMessage
}

type ReconcileConfig struct {
	ActivePull  bool
	PullTimeout time.Duration
}

// ReconcileUsecase registers initiations, applies provider callbacks and
// answers status queries. Store.Update is its only way to change a record;
// no lock is held while a provider is being called.
type ReconcileUsecase struct {
	store     repository.TransactionStore
	registry  *provider.Registry
	view      *StatusView
	observer  Observer
	publisher events.Publisher
	orphans   *OrphanBuffer
	cfg       ReconcileConfig
	pulls     singleflight.Group
	now       func() time.Time
	logger    *zap.Logger
}

// NewReconcileUsecase wires the engine. orphans may be nil, in which case
// orphan callbacks are reported and dropped.
func NewReconcileUsecase(
	store repository.TransactionStore,
	registry *provider.Registry,
	observer Observer,
	publisher events.Publisher,
	orphans *OrphanBuffer,
	cfg ReconcileConfig,
	logger *zap.Logger,
) *ReconcileUsecase {
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 15 * time.Second
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ReconcileUsecase{
		store:     store,
		registry:  registry,
		view:      NewStatusView(store, registry.Providers()),
		observer:  observer,
		publisher: publisher,
		orphans:   orphans,
		cfg:       cfg,
		now:       domain.Now,
		logger:    logger,
	}
}

// ===============================
// Initiation
// ===============================

func (uc *ReconcileUsecase) RegisterInitiation(ctx context.Context, in InitiationInput) (domain.Transaction, error) {
	if !in.Provider.Valid() {
		return domain.Transaction{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, in.Provider)
	}
	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: correlation id is required", domain.ErrInvalidRequest)
	}
	if in.Amount.IsNegative() {
		return domain.Transaction{}, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidRequest)
	}
	currency := domain.NormalizeCurrency(in.Currency)
	if currency == "" {
		return domain.Transaction{}, fmt.Errorf("%w: currency is required", domain.ErrInvalidRequest)
	}

	now := uc.now()
	rec := domain.Transaction{
		TransactionID:      domain.NewTransactionID(now),
		CorrelationID:      correlationID,
		Provider:           in.Provider,
		SecondaryID:        strings.TrimSpace(in.SecondaryID),
		Amount:             in.Amount,
		Currency:           currency,
		SubjectID:          in.SubjectID,
		ReferenceID:        in.ReferenceID,
		Status:             domain.StatusCreated,
		CreatedAt:          now,
		UpdatedAt:          now,
		RawProviderPayload: in.Raw,
	}

	if err := uc.store.Put(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			uc.logger.Error("duplicate initiation: provider identifier already registered",
				zap.String("provider", string(rec.Provider)),
				zap.String("correlation_id", rec.CorrelationID),
				zap.String("secondary_id", rec.SecondaryID),
				zap.Error(err))
		}
		return domain.Transaction{}, fmt.Errorf("failed to register initiation: %w", err)
	}

	uc.logger.Info("payment initiation registered",
		zap.String("transaction_id", rec.TransactionID),
		zap.String("correlation_id", rec.CorrelationID),
		zap.String("provider", string(rec.Provider)),
		zap.String("amount", rec.Amount.String()),
		zap.String("currency", rec.Currency))
	uc.publish(ctx, "", rec, "initiation")

	return uc.replayOrphans(ctx, rec), nil
}

func (uc *ReconcileUsecase) replayOrphans(ctx context.Context, rec domain.Transaction) domain.Transaction {
	if uc.orphans == nil {
		return rec
	}
	held := uc.orphans.Take(rec)
	if len(held) == 0 {
		return rec
	}
	mapping, err := uc.registry.Mapping(rec.Provider)
	if err != nil {
		for _, ev := range held {
			uc.observer.OrphanCallback(ev, err.Error())
		}
		return rec
	}

	for _, ev := range held {
		res := uc.applyEvent(ctx, mapping, ev, false)
		uc.logger.Info("buffered callback replayed",
			zap.String("transaction_id", rec.TransactionID),
			zap.String("correlation_id", rec.CorrelationID),
			zap.String("outcome", string(res.Outcome)))
	}
	latest, err := uc.store.GetByCorrelationID(ctx, rec.Key())
	if err != nil {
		return rec
	}
	return latest
}

// ===============================
// Callbacks
// ===============================

// ApplyCallback never fails towards the provider: every outcome, including
// malformed payloads and store errors, comes back with the provider's ack.
func (uc *ReconcileUsecase) ApplyCallback(ctx context.Context, p domain.Provider, payload []byte) CallbackResult {
	mapping, err := uc.registry.Mapping(p)
	if err != nil {
		uc.observer.CallbackRejected(p, err)
		return CallbackResult{Outcome: OutcomeRejected, Ack: DefaultAck, Err: err}
	}

	ev, err := mapping.Normalize(payload)
	if err != nil {
		uc.observer.CallbackRejected(p, err)
		return CallbackResult{Outcome: OutcomeRejected, Ack: mapping.Ack, Err: err}
	}

	uc.logger.Info("provider callback received",
		zap.String("provider", string(p)),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("secondary_id", ev.SecondaryID),
		zap.String("result_code", ev.ResultCode),
		zap.Int("payload_size", len(payload)))
	if len(ev.FieldErrors) > 0 {
		uc.logger.Warn("callback fields ignored",
			zap.String("provider", string(p)),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Errors("errors", ev.FieldErrors))
	}

	res := uc.applyEvent(ctx, mapping, ev, uc.orphans != nil)
	res.Ack = mapping.Ack
	return res
}

func (uc *ReconcileUsecase) applyEvent(ctx context.Context, mapping *provider.FieldMap, ev provider.CallbackEvent, bufferable bool) CallbackResult {
	rec, err := uc.resolveEvent(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) {
		return uc.handleOrphan(ctx, mapping, ev, bufferable, err)
	}
	if err != nil {
		uc.observer.CallbackRejected(ev.Provider, err)
		return CallbackResult{Outcome: OutcomeRejected, Err: err}
	}

	obs := observationFromEvent(mapping, ev)
	outcome, before, after, err := uc.reconcile(ctx, rec.Key(), obs)
	if err != nil {
		uc.observer.CallbackRejected(ev.Provider, err)
		return CallbackResult{Outcome: OutcomeRejected, Record: &rec, Err: err}
	}

	res := CallbackResult{Outcome: outcome, Record: &after}
	switch outcome {
	case OutcomeApplied:
		uc.observer.CallbackApplied(ev, before, after)
		uc.publish(ctx, before.Status, after, "callback")
	case OutcomeDuplicate:
		uc.observer.DuplicateCallback(ev, after)
	case OutcomeInconsistent:
		uc.observer.InconsistentCallback(ev, after, obs.status)
		res.Err = fmt.Errorf("%w: recorded %s, callback %s", domain.ErrInconsistentCallback, after.Status, obs.status)
	case OutcomeStale:
		uc.observer.StaleCallback(ev, after, obs.status)
	}
	return res
}

func (uc *ReconcileUsecase) handleOrphan(ctx context.Context, mapping *provider.FieldMap, ev provider.CallbackEvent, bufferable bool, notFound error) CallbackResult {
	if !bufferable || !uc.orphans.Hold(ev) {
		uc.observer.OrphanCallback(ev, orphanReason)
		return CallbackResult{Outcome: OutcomeOrphan, Err: notFound}
	}

	// The initiation may have been registered between the lookup and Hold.
	rec, err := uc.resolveEvent(ctx, ev)
	if err != nil {
		uc.logger.Info("orphan callback buffered",
			zap.String("provider", string(ev.Provider)),
			zap.String("correlation_id", ev.CorrelationID),
			zap.String("secondary_id", ev.SecondaryID))
		return CallbackResult{Outcome: OutcomeBuffered}
	}

	res := CallbackResult{Outcome: OutcomeBuffered}
	for _, held := range uc.orphans.Take(rec) {
		res = uc.applyEvent(ctx, mapping, held, false)
	}
	return res
}

func (uc *ReconcileUsecase) resolveEvent(ctx context.Context, ev provider.CallbackEvent) (domain.Transaction, error) {
	if ev.CorrelationID != "" {
		rec, err := uc.store.GetByCorrelationID(ctx, domain.Key{Provider: ev.Provider, CorrelationID: ev.CorrelationID})
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return rec, err
		}
	}
	if ev.SecondaryID != "" {
		return uc.store.FindBySecondaryID(ctx, ev.Provider, ev.SecondaryID)
	}
	return domain.Transaction{}, fmt.Errorf("%w: %s:%s", domain.ErrNotFound, ev.Provider, ev.CorrelationID)
}

// RunOrphanJanitor retries expired buffered callbacks one last time and
// reports those that still match nothing. It returns when ctx is done.
func (uc *ReconcileUsecase) RunOrphanJanitor(ctx context.Context, interval time.Duration) {
	if uc.orphans == nil {
		return
	}
	uc.orphans.Run(ctx, interval, func(ev provider.CallbackEvent) {
		mapping, err := uc.registry.Mapping(ev.Provider)
		if err != nil {
			uc.observer.OrphanCallback(ev, err.Error())
			return
		}
		uc.applyEvent(ctx, mapping, ev, false)
	})
}

// ===============================
// Status queries
// ===============================

// QueryStatus resolves id through the unified view and, for a non-terminal
// record, asks the provider once. Pull failures are reported and the stored
// status is returned.
func (uc *ReconcileUsecase) QueryStatus(ctx context.Context, id string) (StatusSummary, error) {
	rec, err := uc.view.Resolve(ctx, id)
	if err != nil {
		return StatusSummary{}, err
	}
	if rec.Status.IsTerminal() || !uc.cfg.ActivePull {
		return Summarize(rec), nil
	}
	fetcher, ok := uc.registry.Fetcher(rec.Provider)
	if !ok {
		return Summarize(rec), nil
	}
	return Summarize(uc.activePull(ctx, rec, fetcher)), nil
}

func (uc *ReconcileUsecase) ListSummaries(ctx context.Context, f repository.Filter) iter.Seq2[StatusSummary, error] {
	return uc.view.ListSummaries(ctx, f)
}

// activePull is shared by concurrent pollers of the same key. The pull runs
// detached from the first caller's cancellation so one impatient client
// cannot fail the others.
func (uc *ReconcileUsecase) activePull(ctx context.Context, rec domain.Transaction, fetcher provider.StatusFetcher) domain.Transaction {
	key := rec.Key()
	v, err, _ := uc.pulls.Do(key.String(), func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.PullTimeout)
		defer cancel()

		res, err := fetcher.FetchStatus(pctx, key.CorrelationID)
		if err != nil {
			return nil, err
		}
		mapping, err := uc.registry.Mapping(key.Provider)
		if err != nil {
			return nil, err
		}

		outcome, before, after, err := uc.reconcile(pctx, key, observationFromPull(mapping, res))
		if err != nil {
			return nil, err
		}
		uc.observer.PullCompleted(outcome, before, after)
		if outcome == OutcomeApplied {
			uc.publish(pctx, before.Status, after, "pull")
		}
		return after, nil
	})
	if err != nil {
		uc.observer.PullFailed(key, err)
		return rec
	}
	return v.(domain.Transaction)
}

// ===============================
// State reconciliation
// ===============================

// observation is a provider statement about one record, from a callback or
// a pull, already mapped to a status.
type observation struct {
	status      domain.Status
	detail      string
	secondaryID string
	amount      *decimal.Decimal
	currency    string
	receipt     string
	settledAt   *time.Time
	raw         json.RawMessage
}

func observationFromEvent(m *provider.FieldMap, ev provider.CallbackEvent) observation {
	status, unmapped := m.Vocabulary.Resolve(ev.ResultCode)
	detail := ev.Message
	if unmapped != "" {
		detail = unmapped
	}
	return observation{
		status:      status,
		detail:      detail,
		secondaryID: ev.SecondaryID,
		amount:      ev.Amount,
		currency:    ev.Currency,
		receipt:     ev.ReceiptRef,
		settledAt:   ev.SettledAt,
		raw:         ev.Raw,
	}
}

func observationFromPull(m *provider.FieldMap, res *provider.StatusResult) observation {
	status, unmapped := m.Vocabulary.Resolve(res.ResultCode)
	detail := res.Message
	if unmapped != "" {
		detail = unmapped
	}
	return observation{
		status:    status,
		detail:    detail,
		amount:    res.Amount,
		currency:  domain.NormalizeCurrency(res.Currency),
		receipt:   res.ReceiptRef,
		settledAt: res.SettledAt,
		raw:       res.Raw,
	}
}

// reconcile applies obs under the store's per-key update. A terminal record
// never changes: the same result is a duplicate, a different one is
// inconsistent. A non-terminal record only moves forward.
func (uc *ReconcileUsecase) reconcile(ctx context.Context, key domain.Key, obs observation) (Outcome, domain.Transaction, domain.Transaction, error) {
	outcome, before, after, err := uc.reconcileOnce(ctx, key, obs)
	if errors.Is(err, domain.ErrDuplicateKey) && obs.secondaryID != "" {
		// Another record owns the secondary id; keep the status change.
		uc.logger.Warn("secondary id already held by another transaction, not adopted",
			zap.String("provider", string(key.Provider)),
			zap.String("correlation_id", key.CorrelationID),
			zap.String("secondary_id", obs.secondaryID))
		obs.secondaryID = ""
		return uc.reconcileOnce(ctx, key, obs)
	}
	return outcome, before, after, err
}

func (uc *ReconcileUsecase) reconcileOnce(ctx context.Context, key domain.Key, obs observation) (Outcome, domain.Transaction, domain.Transaction, error) {
	var (
		outcome Outcome
		before  domain.Transaction
	)
	after, err := uc.store.Update(ctx, key, func(cur domain.Transaction) (domain.Transaction, error) {
		before = cur.Clone()
		switch {
		case cur.Status.IsTerminal():
			outcome = OutcomeInconsistent
			if cur.Status == obs.status {
				outcome = OutcomeDuplicate
			}
			return cur, repository.ErrNoChange
		case obs.status.Rank() <= cur.Status.Rank():
			outcome = OutcomeStale
			return cur, repository.ErrNoChange
		}

		if err := cur.Transition(obs.status, uc.now()); err != nil {
			return cur, err
		}
		merge(&cur, obs)
		outcome = OutcomeApplied
		return cur, nil
	})
	if err != nil {
		return OutcomeRejected, before, after, err
	}
	return outcome, before, after, nil
}

// merge copies provider-reported fields. The provider is authoritative for
// the settled amount and the receipt. StatusDetail carries failure reasons
// only.
func merge(rec *domain.Transaction, obs observation) {
	if obs.amount != nil {
		rec.Amount = *obs.amount
	}
	if obs.currency != "" {
		rec.Currency = obs.currency
	}
	if obs.receipt != "" {
		rec.ReceiptRef = obs.receipt
	}
	if rec.SecondaryID == "" && obs.secondaryID != "" {
		rec.SecondaryID = obs.secondaryID
	}
	if obs.settledAt != nil && rec.Status == domain.StatusSucceeded {
		ts := domain.Timestamp(*obs.settledAt)
		rec.SettledAt = &ts
	}
	if obs.detail != "" && rec.Status == domain.StatusFailed {
		rec.StatusDetail = obs.detail
	}
	if len(obs.raw) > 0 {
		rec.RawProviderPayload = obs.raw
	}
}

func (uc *ReconcileUsecase) publish(ctx context.Context, previous domain.Status, rec domain.Transaction, source string) {
	if err := uc.publisher.Publish(ctx, events.NewStatusChanged(previous, rec, source)); err != nil {
		uc.logger.Warn("failed to publish status change",
			zap.String("transaction_id", rec.TransactionID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}
