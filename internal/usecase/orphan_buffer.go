package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
	"github.com/Mileskamau/mpesa-backend/internal/provider"
)

type heldOrphan struct {
	ev     provider.CallbackEvent
	heldAt time.Time
}

// OrphanBuffer holds callbacks that arrived before their initiation record
// was written, for at most grace. It is bounded; a full buffer refuses new
// entries and the caller reports them as orphans.
type OrphanBuffer struct {
	mu       sync.Mutex
	grace    time.Duration
	capacity int
	held     []heldOrphan
	now      func() time.Time
}

func NewOrphanBuffer(grace time.Duration, capacity int) *OrphanBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OrphanBuffer{grace: grace, capacity: capacity, now: time.Now}
}

func (b *OrphanBuffer) Hold(ev provider.CallbackEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.held) >= b.capacity {
		return false
	}
	b.held = append(b.held, heldOrphan{ev: ev, heldAt: b.now()})
	return true
}

// Take removes and returns, oldest first, the held events addressed to the
// given record by correlation id or secondary id.
func (b *OrphanBuffer) Take(rec domain.Transaction) []provider.CallbackEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []provider.CallbackEvent
	kept := b.held[:0]
	for _, h := range b.held {
		if matches(h.ev, rec) {
			out = append(out, h.ev)
			continue
		}
		kept = append(kept, h)
	}
	clear(b.held[len(kept):])
	b.held = kept
	return out
}

func matches(ev provider.CallbackEvent, rec domain.Transaction) bool {
	if ev.Provider != rec.Provider {
		return false
	}
	if ev.CorrelationID != "" {
		return ev.CorrelationID == rec.CorrelationID
	}
	return ev.SecondaryID != "" && ev.SecondaryID == rec.SecondaryID
}

// Expire removes and returns the events held longer than the grace period.
func (b *OrphanBuffer) Expire() []provider.CallbackEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.grace)
	var out []provider.CallbackEvent
	kept := b.held[:0]
	for _, h := range b.held {
		if !h.heldAt.After(cutoff) {
			out = append(out, h.ev)
			continue
		}
		kept = append(kept, h)
	}
	clear(b.held[len(kept):])
	b.held = kept
	return out
}

func (b *OrphanBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// Run calls release with expired events every interval until ctx is done.
func (b *OrphanBuffer) Run(ctx context.Context, interval time.Duration, release func(provider.CallbackEvent)) {
	if interval <= 0 {
		interval = b.grace / 2
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range b.Expire() {
				release(ev)
			}
		}
	}
}
