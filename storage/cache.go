package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"charsync/domain"
)

const keyNamespace = "charsync"

// Default TTLs. State has its own default; metadata, subscriptions and
// conflicts inherit the shared default unless configured.
const (
	DefaultStateTTL  = time.Hour
	DefaultSharedTTL = 30 * time.Minute
)

// CacheOptions tunes per-kind TTLs. Zero fields inherit defaults.
type CacheOptions struct {
	StateTTL        time.Duration
	MetadataTTL     time.Duration
	SubscriptionTTL time.Duration
	ConflictTTL     time.Duration
	SharedTTL       time.Duration
}

// StateCache is the TTL'd cache plus advisory lock fronting the durable
// store. Every failure surfaces as *domain.CacheError so callers need no
// transport-specific handling.
type StateCache struct {
	redis *redis.Client
	opts  CacheOptions
}

// NewStateCache creates a StateCache over the given redis client.
func NewStateCache(client *redis.Client, opts CacheOptions) *StateCache {
	if client == nil {
		panic("storage.NewStateCache: redis client is nil")
	}
	if opts.SharedTTL <= 0 {
		opts.SharedTTL = DefaultSharedTTL
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = opts.SharedTTL
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = opts.SharedTTL
	}
	if opts.ConflictTTL <= 0 {
		opts.ConflictTTL = opts.SharedTTL
	}
	return &StateCache{redis: client, opts: opts}
}

// Get returns the raw value at key, with ok=false on a miss.
func (c *StateCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &domain.CacheError{Op: "get", Key: key, Err: err}
	}
	return data, true, nil
}

// Set stores value at key for ttl; ttl<=0 uses the shared default.
func (c *StateCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.opts.SharedTTL
	}
	if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return &domain.CacheError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes a single key.
func (c *StateCache) Delete(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return &domain.CacheError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// GetMany fetches several keys in one round trip. Missing keys are absent
// from the result.
func (c *StateCache) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &domain.CacheError{Op: "mget", Err: err}
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// SetMany stores several entries through a single pipeline.
func (c *StateCache) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.opts.SharedTTL
	}
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return &domain.CacheError{Op: "pipeline set", Err: err}
	}
	return nil
}

// DeleteMany removes several keys in one round trip.
func (c *StateCache) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return &domain.CacheError{Op: "delete many", Err: err}
	}
	return nil
}

// AcquireLock attempts a conditional set-if-absent on the lock key, retrying
// up to maxRetries times spaced by retryDelay. It returns false on
// exhaustion rather than blocking forever. The lock self-expires after ttl
// so a crashed holder cannot deadlock others.
func (c *StateCache) AcquireLock(ctx context.Context, key string, ttl, retryDelay time.Duration, maxRetries int) (bool, error) {
	for attempt := 0; ; attempt++ {
		ok, err := c.redis.SetNX(ctx, key, 1, ttl).Result()
		if err != nil {
			return false, &domain.CacheError{Op: "lock", Key: key, Err: err}
		}
		if ok {
			return true, nil
		}
		if attempt >= maxRetries {
			return false, nil
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return false, &domain.CacheError{Op: "lock", Key: key, Err: ctx.Err()}
		}
	}
}

// ReleaseLock unconditionally drops the lock key.
func (c *StateCache) ReleaseLock(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, key).Err(); err != nil {
		return &domain.CacheError{Op: "unlock", Key: key, Err: err}
	}
	return nil
}

// AcquireSyncLock takes the per-character advisory lock that serializes
// resolver runs for one character.
func (c *StateCache) AcquireSyncLock(ctx context.Context, characterID string, ttl, retryDelay time.Duration, maxRetries int) (bool, error) {
	return c.AcquireLock(ctx, LockKey(characterID), ttl, retryDelay, maxRetries)
}

// ReleaseSyncLock drops the per-character advisory lock.
func (c *StateCache) ReleaseSyncLock(ctx context.Context, characterID string) error {
	return c.ReleaseLock(ctx, LockKey(characterID))
}

// ClearCharacterCache scans the character's key namespace and bulk-deletes
// every entry.
func (c *StateCache) ClearCharacterCache(ctx context.Context, characterID string) error {
	pattern := keyNamespace + ":" + characterID + ":*"
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.redis.Del(ctx, batch...).Err(); err != nil {
				return &domain.CacheError{Op: "clear", Key: pattern, Err: err}
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return &domain.CacheError{Op: "clear", Key: pattern, Err: err}
	}
	if len(batch) > 0 {
		if err := c.redis.Del(ctx, batch...).Err(); err != nil {
			return &domain.CacheError{Op: "clear", Key: pattern, Err: err}
		}
	}
	return nil
}

// GetState loads the cached state document for a character.
func (c *StateCache) GetState(ctx context.Context, characterID string) (domain.State, bool, error) {
	data, ok, err := c.Get(ctx, StateKey(characterID))
	if err != nil || !ok {
		return nil, false, err
	}
	var st domain.State
	if err := json.Unmarshal(data, &st); err != nil {
		// Self-heal: a corrupt entry is dropped, the durable store stays truth.
		_ = c.Delete(ctx, StateKey(characterID))
		return nil, false, nil
	}
	return st, true, nil
}

// SetState caches a character's state document with the state TTL.
func (c *StateCache) SetState(ctx context.Context, characterID string, st domain.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return &domain.CacheError{Op: "encode state", Key: StateKey(characterID), Err: err}
	}
	return c.Set(ctx, StateKey(characterID), data, c.opts.StateTTL)
}

// SetMetadata caches sync metadata with the metadata TTL.
func (c *StateCache) SetMetadata(ctx context.Context, meta domain.SyncMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return &domain.CacheError{Op: "encode metadata", Err: err}
	}
	return c.Set(ctx, MetadataKey(meta.CharacterID, meta.CampaignID), data, c.opts.MetadataTTL)
}

// GetMetadata loads cached sync metadata for a pair.
func (c *StateCache) GetMetadata(ctx context.Context, characterID, campaignID string) (domain.SyncMetadata, bool, error) {
	data, ok, err := c.Get(ctx, MetadataKey(characterID, campaignID))
	if err != nil || !ok {
		return domain.SyncMetadata{}, false, err
	}
	var meta domain.SyncMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		_ = c.Delete(ctx, MetadataKey(characterID, campaignID))
		return domain.SyncMetadata{}, false, nil
	}
	return meta, true, nil
}

// StateKey is the cache key of a character's live state document.
func StateKey(characterID string) string {
	return keyNamespace + ":" + characterID + ":state"
}

// MetadataKey is the cache key of a pair's sync metadata.
func MetadataKey(characterID, campaignID string) string {
	return keyNamespace + ":" + characterID + ":meta:" + campaignID
}

// SubscriptionKey is the cache key of a pair's subscription record.
func SubscriptionKey(characterID, campaignID string) string {
	return keyNamespace + ":" + characterID + ":sub:" + campaignID
}

// LockKey is the advisory lock key guarding a character's sync pipeline.
func LockKey(characterID string) string {
	return keyNamespace + ":" + characterID + ":lock:sync"
}
