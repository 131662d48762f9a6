package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"charsync/domain"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, *StateCache) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return m, NewStateCache(rc, CacheOptions{})
}

func TestCacheGetMissThenHit(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	data, ok, err := cache.Get(ctx, "k")
	if err != nil || !ok || string(data) != "v" {
		t.Fatalf("unexpected get result: %q ok=%v err=%v", data, ok, err)
	}
}

func TestCacheEntriesExpire(t *testing.T) {
	m, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	m.FastForward(2 * time.Minute)
	if _, ok, err := cache.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("entry should have expired, ok=%v err=%v", ok, err)
	}
}

func TestCacheManyOps(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()

	entries := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	if err := cache.SetMany(ctx, entries, time.Minute); err != nil {
		t.Fatalf("set many: %v", err)
	}
	got, err := cache.GetMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if _, miss := got["c"]; miss {
		t.Fatalf("missing key should be absent from result")
	}
	if err := cache.DeleteMany(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "a"); ok {
		t.Fatalf("key survived delete many")
	}
}

func TestLockIsExclusiveUntilReleased(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()
	key := LockKey("char1")

	ok, err := cache.AcquireLock(ctx, key, time.Minute, time.Millisecond, 0)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	ok, err = cache.AcquireLock(ctx, key, time.Minute, time.Millisecond, 2)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatalf("lock acquired twice")
	}
	if err := cache.ReleaseLock(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = cache.AcquireLock(ctx, key, time.Minute, time.Millisecond, 0)
	if err != nil || !ok {
		t.Fatalf("acquire after release failed: ok=%v err=%v", ok, err)
	}
}

func TestLockExpiresWithTTL(t *testing.T) {
	m, cache := newTestCache(t)
	ctx := context.Background()
	key := LockKey("char1")

	if ok, _ := cache.AcquireLock(ctx, key, time.Second, time.Millisecond, 0); !ok {
		t.Fatalf("initial acquire failed")
	}
	m.FastForward(2 * time.Second)
	ok, err := cache.AcquireLock(ctx, key, time.Second, time.Millisecond, 0)
	if err != nil || !ok {
		t.Fatalf("expired lock not reacquired: ok=%v err=%v", ok, err)
	}
}

func TestClearCharacterCacheRemovesOnlyThatNamespace(t *testing.T) {
	_, cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.SetState(ctx, "char1", domain.State{"hit_points": 12}); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := cache.SetMetadata(ctx, domain.SyncMetadata{CharacterID: "char1", CampaignID: "camp1"}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if err := cache.SetState(ctx, "char2", domain.State{"hit_points": 9}); err != nil {
		t.Fatalf("set other state: %v", err)
	}

	if err := cache.ClearCharacterCache(ctx, "char1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := cache.GetState(ctx, "char1"); ok {
		t.Fatalf("char1 state survived clear")
	}
	if _, ok, _ := cache.GetMetadata(ctx, "char1", "camp1"); ok {
		t.Fatalf("char1 metadata survived clear")
	}
	st, ok, err := cache.GetState(ctx, "char2")
	if err != nil || !ok {
		t.Fatalf("char2 state lost: ok=%v err=%v", ok, err)
	}
	if st["hit_points"] != float64(9) {
		t.Fatalf("unexpected char2 state: %+v", st)
	}
}

func TestStateRoundTripAndSelfHeal(t *testing.T) {
	m, cache := newTestCache(t)
	ctx := context.Background()

	in := domain.State{"hit_points": 12, "conditions": []any{"prone"}}
	if err := cache.SetState(ctx, "char1", in); err != nil {
		t.Fatalf("set state: %v", err)
	}
	out, ok, err := cache.GetState(ctx, "char1")
	if err != nil || !ok {
		t.Fatalf("get state: ok=%v err=%v", ok, err)
	}
	if out["hit_points"] != float64(12) {
		t.Fatalf("unexpected state: %+v", out)
	}

	if err := m.Set(StateKey("char1"), "{not json"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}
	if _, ok, err := cache.GetState(ctx, "char1"); err != nil || ok {
		t.Fatalf("corrupt entry should read as miss: ok=%v err=%v", ok, err)
	}
	if m.Exists(StateKey("char1")) {
		t.Fatalf("corrupt entry not dropped")
	}
}

func TestCacheErrorsAreTyped(t *testing.T) {
	m, cache := newTestCache(t)
	ctx := context.Background()
	m.Close()

	err := cache.Set(ctx, "k", []byte("v"), time.Minute)
	var cacheErr *domain.CacheError
	if !errors.As(err, &cacheErr) {
		t.Fatalf("expected CacheError, got %v", err)
	}
	if cacheErr.Op != "set" || cacheErr.Key != "k" {
		t.Fatalf("unexpected error fields: %+v", cacheErr)
	}
}
