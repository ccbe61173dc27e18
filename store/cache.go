package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/CUknot/roomchat/models"
)

// HistoryCache holds the latest history page of a room. Every room carries a
// generation that Invalidate bumps; a page is only stored when the
// generation it was read under is still current.
type HistoryCache interface {
	Get(ctx context.Context, room string) ([]models.Message, bool, error)
	Generation(ctx context.Context, room string) (int64, error)
	SetIfGeneration(ctx context.Context, room string, generation int64, messages []models.Message) (bool, error)
	Invalidate(ctx context.Context, room string) error
}

// RedisHistoryCache stores history pages as JSON strings with a TTL.
type RedisHistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisHistoryCache(client *redis.Client, ttl time.Duration) *RedisHistoryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisHistoryCache{client: client, ttl: ttl}
}

func (c *RedisHistoryCache) Get(ctx context.Context, room string) ([]models.Message, bool, error) {
	raw, err := c.client.Get(ctx, historyKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get history failed: %w", err)
	}

	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached history failed: %w", err)
	}
	return messages, true, nil
}

func (c *RedisHistoryCache) Generation(ctx context.Context, room string) (int64, error) {
	generation, err := readGeneration(ctx, c.client, room)
	if err != nil {
		return 0, fmt.Errorf("redis get history generation failed: %w", err)
	}
	return generation, nil
}

// SetIfGeneration watches the generation key so an Invalidate landing between
// the check and the write aborts the transaction.
func (c *RedisHistoryCache) SetIfGeneration(ctx context.Context, room string, generation int64, messages []models.Message) (bool, error) {
	payload, err := json.Marshal(messages)
	if err != nil {
		return false, fmt.Errorf("marshal history cache failed: %w", err)
	}

	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, room)
		if err != nil || current != generation {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, historyKey(room), payload, c.ttl)
			return nil
		}); err != nil {
			return err
		}
		stored = true
		return nil
	}, generationKey(room))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis set history failed: %w", err)
	}
	return stored, nil
}

func (c *RedisHistoryCache) Invalidate(ctx context.Context, room string) error {
	if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(room))
		pipe.Del(ctx, historyKey(room))
		return nil
	}); err != nil {
		return fmt.Errorf("redis invalidate history failed: %w", err)
	}
	return nil
}

func (c *RedisHistoryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisHistoryCache) Close() error {
	return c.client.Close()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, client stringGetter, room string) (int64, error) {
	generation, err := client.Get(ctx, generationKey(room)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return generation, err
}

func historyKey(room string) string {
	return "chat:history:" + room
}

// generationKey lives outside the chat:history: prefix so no room name can
// collide with it.
func generationKey(room string) string {
	return "chat:generation:" + room
}

// invalidateRetries is how many times a failed invalidation is retried
// before the room is marked pending.
const invalidateRetries = 1

// CachedStore serves full history pages from a HistoryCache and falls back
// to the wrapped store. Cache errors are logged, never returned.
//
// A room whose invalidation failed stays pending: its reads skip the cache
// until a later invalidation succeeds.
type CachedStore struct {
	MessageStore
	cache HistoryCache
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]uint64
}

func NewCachedStore(inner MessageStore, cache HistoryCache, log *zap.Logger) *CachedStore {
	return &CachedStore{MessageStore: inner, cache: cache, log: log, pending: make(map[string]uint64)}
}

func (s *CachedStore) Append(ctx context.Context, room, sender, content string) (models.Message, error) {
	message, err := s.MessageStore.Append(ctx, room, sender, content)
	if err != nil {
		return message, err
	}
	if err := s.invalidate(ctx, room); err != nil {
		s.markPending(room)
		s.log.Warn("invalidate history cache", zap.String("room", room), zap.Error(err))
	}
	return message, nil
}

// Recent only caches full pages; smaller limits go straight to the store.
func (s *CachedStore) Recent(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if clampLimit(limit) != HistoryLimit {
		return s.MessageStore.Recent(ctx, room, limit)
	}
	if err := validateRoom(room); err != nil {
		return nil, err
	}

	if marks, ok := s.pendingMarks(room); ok {
		if err := s.invalidate(ctx, room); err != nil {
			s.log.Warn("invalidate history cache", zap.String("room", room), zap.Error(err))
			return s.MessageStore.Recent(ctx, room, HistoryLimit)
		}
		s.clearPending(room, marks)
	}

	messages, ok, err := s.cache.Get(ctx, room)
	if err != nil {
		s.log.Warn("read history cache", zap.String("room", room), zap.Error(err))
	}
	if ok {
		return messages, nil
	}

	// the generation is read before the store so a concurrent Append
	// invalidates this fill
	generation, genErr := s.cache.Generation(ctx, room)
	messages, err = s.MessageStore.Recent(ctx, room, HistoryLimit)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		s.log.Warn("read history generation", zap.String("room", room), zap.Error(genErr))
		return messages, nil
	}
	if _, err := s.cache.SetIfGeneration(ctx, room, generation, messages); err != nil {
		s.log.Warn("fill history cache", zap.String("room", room), zap.Error(err))
	}
	return messages, nil
}

func (s *CachedStore) Close() error {
	var cacheErr error
	if closer, ok := s.cache.(interface{ Close() error }); ok {
		cacheErr = closer.Close()
	}
	return errors.Join(s.MessageStore.Close(), cacheErr)
}

func (s *CachedStore) invalidate(ctx context.Context, room string) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, invalidateRetries), ctx)
	return backoff.Retry(func() error {
		return s.cache.Invalidate(ctx, room)
	}, policy)
}

func (s *CachedStore) markPending(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[room]++
}

func (s *CachedStore) pendingMarks(room string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marks, ok := s.pending[room]
	return marks, ok
}

// clearPending keeps the room pending when an Append failed to invalidate
// after marks was read.
func (s *CachedStore) clearPending(room string, marks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[room] == marks {
		delete(s.pending, room)
	}
}
