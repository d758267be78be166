package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"iter"
	"sort"
	"sync"

	"github.com/Mileskamau/mpesa-backend/internal/domain"
)

const defaultShards = 64

type memShard struct {
	mu   sync.Mutex
	recs map[domain.Key]domain.Transaction
}

type secondaryKey struct {
	provider domain.Provider
	id       string
}

// MemoryStore keeps records in hash-sharded maps. A shard lock is held only
// for the duration of a single put or mutator run, so updates on keys in
// different shards never wait on each other.
//
// Lock order is shard -> index; index lookups release the index lock before
// touching a shard.
type MemoryStore struct {
	shards []*memShard

	idxMu     sync.RWMutex
	secondary map[secondaryKey]domain.Key
	aliases   map[string]domain.Key
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithShards(defaultShards)
}

func NewMemoryStoreWithShards(n int) *MemoryStore {
	if n <= 0 {
		n = 1
	}
	s := &MemoryStore{
		shards:    make([]*memShard, n),
		secondary: make(map[secondaryKey]domain.Key),
		aliases:   make(map[string]domain.Key),
	}
	for i := range s.shards {
		s.shards[i] = &memShard{recs: make(map[domain.Key]domain.Transaction)}
	}
	return s
}

func (s *MemoryStore) shard(key domain.Key) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) Put(ctx context.Context, rec domain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	key := rec.Key()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.recs[key]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, key)
	}

	s.idxMu.Lock()
	if _, taken := s.aliases[rec.TransactionID]; taken {
		s.idxMu.Unlock()
		return fmt.Errorf("%w: transaction_id %s", domain.ErrDuplicateKey, rec.TransactionID)
	}
	sk := secondaryKey{rec.Provider, rec.SecondaryID}
	if rec.SecondaryID != "" {
		if _, taken := s.secondary[sk]; taken {
			s.idxMu.Unlock()
			return fmt.Errorf("%w: secondary_id %s", domain.ErrDuplicateKey, rec.SecondaryID)
		}
		s.secondary[sk] = key
	}
	s.aliases[rec.TransactionID] = key
	s.idxMu.Unlock()

	sh.recs[key] = rec.Clone()
	return nil
}

func (s *MemoryStore) GetByCorrelationID(ctx context.Context, key domain.Key) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	rec, ok := sh.recs[key]
	sh.mu.Unlock()
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) FindBySecondaryID(ctx context.Context, provider domain.Provider, secondaryID string) (domain.Transaction, error) {
	if secondaryID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: empty secondary id", domain.ErrNotFound)
	}
	s.idxMu.RLock()
	key, ok := s.secondary[secondaryKey{provider, secondaryID}]
	s.idxMu.RUnlock()
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: secondary_id %s", domain.ErrNotFound, secondaryID)
	}
	return s.GetByCorrelationID(ctx, key)
}

func (s *MemoryStore) GetByTransactionID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	s.idxMu.RLock()
	key, ok := s.aliases[transactionID]
	s.idxMu.RUnlock()
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: transaction_id %s", domain.ErrNotFound, transactionID)
	}
	return s.GetByCorrelationID(ctx, key)
}

func (s *MemoryStore) Update(ctx context.Context, key domain.Key, mutate Mutator) (domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return domain.Transaction{}, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, ok := sh.recs[key]
	if !ok {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	next, changed, err := applyMutator(current, mutate)
	if err != nil {
		return current.Clone(), err
	}
	if !changed {
		return current.Clone(), nil
	}

	if next.SecondaryID != "" && current.SecondaryID == "" {
		sk := secondaryKey{next.Provider, next.SecondaryID}
		s.idxMu.Lock()
		if owner, taken := s.secondary[sk]; taken && owner != key {
			s.idxMu.Unlock()
			return current.Clone(), fmt.Errorf("%w: secondary_id %s", domain.ErrDuplicateKey, next.SecondaryID)
		}
		s.secondary[sk] = key
		s.idxMu.Unlock()
	}

	sh.recs[key] = next.Clone()
	return next, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var matched []domain.Transaction
		for _, sh := range s.shards {
			sh.mu.Lock()
			for _, rec := range sh.recs {
				if f.Match(rec) {
					matched = append(matched, rec.Clone())
				}
			}
			sh.mu.Unlock()
		}
		sortNewestFirst(matched)

		for i, rec := range matched {
			if f.Limit > 0 && i >= f.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func sortNewestFirst(recs []domain.Transaction) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Key().String() > recs[j].Key().String()
	})
}
