package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/Mileskamau/mpesa-backend/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisMaxRetries = 8
	redisCreatedSet = "txn:v1:created"
)

// RedisStore keeps one JSON document per record. Inserts and updates run as
// WATCH/MULTI transactions and retry when a watched key changes underneath.
type RedisStore struct {
	client   *redis.Client
	logger   *zap.Logger
	pageSize int64
}

func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger, pageSize: defaultListPage}
}

// ===============================
// Keys
// ===============================

func recordKey(key domain.Key) string {
	return fmt.Sprintf("txn:v1:rec:%s:%s", key.Provider, key.CorrelationID)
}

func secondaryIndexKey(p domain.Provider, secondaryID string) string {
	return fmt.Sprintf("txn:v1:sec:%s:%s", p, secondaryID)
}

func aliasKey(transactionID string) string {
	return fmt.Sprintf("txn:v1:alias:%s", transactionID)
}

func parseKey(s string) (domain.Key, error) {
	p, corr, ok := strings.Cut(s, ":")
	if !ok || corr == "" {
		return domain.Key{}, fmt.Errorf("malformed index entry %q", s)
	}
	return domain.Key{Provider: domain.Provider(p), CorrelationID: corr}, nil
}

// ===============================
// Writes
// ===============================

func (s *RedisStore) Put(ctx context.Context, rec domain.Transaction) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	key := rec.Key()
	watched := []string{recordKey(key), aliasKey(rec.TransactionID)}
	if rec.SecondaryID != "" {
		watched = append(watched, secondaryIndexKey(rec.Provider, rec.SecondaryID))
	}

	txf := func(tx *redis.Tx) error {
		for i, k := range watched {
			n, err := tx.Exists(ctx, k).Result()
			if err != nil {
				return fmt.Errorf("exists: %w", err)
			}
			if n > 0 {
				what := []string{key.String(), "transaction_id " + rec.TransactionID, "secondary_id " + rec.SecondaryID}[i]
				return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, what)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(key), data, 0)
			pipe.Set(ctx, aliasKey(rec.TransactionID), key.String(), 0)
			if rec.SecondaryID != "" {
				pipe.Set(ctx, secondaryIndexKey(rec.Provider, rec.SecondaryID), key.String(), 0)
			}
			pipe.ZAdd(ctx, redisCreatedSet, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: key.String()})
			return nil
		})
		return err
	}
	return s.watchRetry(ctx, txf, watched...)
}

func (s *RedisStore) Update(ctx context.Context, key domain.Key, mutate Mutator) (domain.Transaction, error) {
	var result domain.Transaction

	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		result = current

		next, changed, err := applyMutator(current, mutate)
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}

		newSecondary := next.SecondaryID != "" && current.SecondaryID == ""
		if newSecondary {
			sk := secondaryIndexKey(next.Provider, next.SecondaryID)
			if err := tx.Watch(ctx, sk).Err(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			owner, err := tx.Get(ctx, sk).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("get secondary index: %w", err)
			}
			if owner != "" && owner != key.String() {
				return fmt.Errorf("%w: secondary_id %s", domain.ErrDuplicateKey, next.SecondaryID)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(key), data, 0)
			if newSecondary {
				pipe.Set(ctx, secondaryIndexKey(next.Provider, next.SecondaryID), key.String(), 0)
			}
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	if err := s.watchRetry(ctx, txf, recordKey(key)); err != nil {
		return result, err
	}
	return result, nil
}

func (s *RedisStore) watchRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < redisMaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("redis optimistic transaction retry",
			zap.Strings("keys", keys),
			zap.Int("attempt", attempt+1),
		)
	}
	return fmt.Errorf("%w: %s", ErrConflict, strings.Join(keys, ","))
}

// ===============================
// Reads
// ===============================

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, key domain.Key) (domain.Transaction, error) {
	data, err := c.Get(ctx, recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("cache get: %w", err)
	}
	var rec domain.Transaction
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Transaction{}, fmt.Errorf("unmarshal transaction %s: %w", key, err)
	}
	return rec, nil
}

func (s *RedisStore) GetByCorrelationID(ctx context.Context, key domain.Key) (domain.Transaction, error) {
	return s.get(ctx, s.client, key)
}

func (s *RedisStore) FindBySecondaryID(ctx context.Context, provider domain.Provider, secondaryID string) (domain.Transaction, error) {
	if secondaryID == "" {
		return domain.Transaction{}, fmt.Errorf("%w: empty secondary id", domain.ErrNotFound)
	}
	return s.resolveIndex(ctx, secondaryIndexKey(provider, secondaryID), "secondary_id "+secondaryID)
}

func (s *RedisStore) GetByTransactionID(ctx context.Context, transactionID string) (domain.Transaction, error) {
	return s.resolveIndex(ctx, aliasKey(transactionID), "transaction_id "+transactionID)
}

func (s *RedisStore) resolveIndex(ctx context.Context, indexKey, what string) (domain.Transaction, error) {
	raw, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Transaction{}, fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("cache get: %w", err)
	}
	key, err := parseKey(raw)
	if err != nil {
		return domain.Transaction{}, err
	}
	return s.get(ctx, s.client, key)
}

// List walks the CreatedAt sorted set from the newest end, one page at a time.
func (s *RedisStore) List(ctx context.Context, f Filter) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var offset int64
		emitted := 0
		for {
			members, err := s.client.ZRevRangeByScore(ctx, redisCreatedSet, &redis.ZRangeBy{
				Min:    "-inf",
				Max:    "+inf",
				Offset: offset,
				Count:  s.pageSize,
			}).Result()
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("zrevrangebyscore: %w", err))
				return
			}
			if len(members) == 0 {
				return
			}

			recKeys := make([]string, 0, len(members))
			for _, m := range members {
				key, err := parseKey(m)
				if err != nil {
					yield(domain.Transaction{}, err)
					return
				}
				recKeys = append(recKeys, recordKey(key))
			}
			values, err := s.client.MGet(ctx, recKeys...).Result()
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("mget: %w", err))
				return
			}

			for _, v := range values {
				str, ok := v.(string)
				if !ok {
					continue
				}
				var rec domain.Transaction
				if err := json.Unmarshal([]byte(str), &rec); err != nil {
					yield(domain.Transaction{}, fmt.Errorf("unmarshal transaction: %w", err))
					return
				}
				if !f.Match(rec) {
					continue
				}
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
				if !yield(rec, nil) {
					return
				}
				emitted++
			}

			if int64(len(members)) < s.pageSize {
				return
			}
			offset += int64(len(members))
		}
	}
}
