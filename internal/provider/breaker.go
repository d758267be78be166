package provider

import (
	"context"
	"errors"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state counter reset period
	Timeout          time.Duration // open -> half-open delay
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

// WithBreaker wraps an adapter in a circuit breaker. Only unavailability
// counts as failure; a provider saying no is a healthy provider. The returned
// adapter implements StatusFetcher exactly when a does.
func WithBreaker(a Adapter, cfg BreakerConfig, logger *zap.Logger) Adapter {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        string(a.Provider()),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrProviderUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	b := &breakerAdapter{next: a, cb: gobreaker.NewCircuitBreaker(settings)}
	if f, ok := a.(StatusFetcher); ok {
		return &breakerFetcher{breakerAdapter: b, fetcher: f}
	}
	return b
}

type breakerAdapter struct {
	next Adapter
	cb   *gobreaker.CircuitBreaker
}

func (b *breakerAdapter) Provider() domain.Provider { return b.next.Provider() }

func (b *breakerAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Initiate(ctx, req)
	})
	if err != nil {
		return nil, b.translate("initiate", err)
	}
	return out.(*InitiateResult), nil
}

func (b *breakerAdapter) translate(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Unavailable(b.next.Provider(), op, err)
	}
	return err
}

type breakerFetcher struct {
	*breakerAdapter
	fetcher StatusFetcher
}

func (b *breakerFetcher) FetchStatus(ctx context.Context, correlationID string) (*StatusResult, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.fetcher.FetchStatus(ctx, correlationID)
	})
	if err != nil {
		return nil, b.translate("fetch status", err)
	}
	return out.(*StatusResult), nil
}
