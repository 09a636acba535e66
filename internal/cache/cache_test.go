package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"authserver/internal/db"
	"authserver/internal/db/dbtest"
	"authserver/internal/logging"
)

// fakeRedis implements RedisClient over a map. TTLs are recorded but not
// enforced.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string][]byte)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx)
	if data, ok := f.data[key]; ok {
		cmd.SetVal(string(data))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestClientRoundTrip(t *testing.T) {
	cache := NewRedisCache(newFakeRedis())
	ctx := context.Background()

	client := &db.Client{ClientID: "c1", Name: "cached app"}
	if err := cache.SetClient(ctx, client, time.Minute); err != nil {
		t.Fatalf("SetClient: %v", err)
	}

	got, err := cache.GetClient(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.Name != "cached app" {
		t.Errorf("got name %q", got.Name)
	}

	if err := cache.InvalidateClient(ctx, "c1"); err != nil {
		t.Fatalf("InvalidateClient: %v", err)
	}
	if _, err := cache.GetClient(ctx, "c1"); !IsCacheMiss(err) {
		t.Errorf("got %v, want cache miss", err)
	}
}

func TestBlacklistMembership(t *testing.T) {
	cache := NewRedisCache(newFakeRedis())
	ctx := context.Background()

	banned, err := cache.IsBlacklisted(ctx, "deadbeef")
	if err != nil || banned {
		t.Fatalf("fresh hash reported blacklisted: %v %v", banned, err)
	}
	if err := cache.MarkBlacklisted(ctx, "deadbeef", time.Minute); err != nil {
		t.Fatalf("MarkBlacklisted: %v", err)
	}
	banned, err = cache.IsBlacklisted(ctx, "deadbeef")
	if err != nil || !banned {
		t.Errorf("marked hash not reported blacklisted: %v %v", banned, err)
	}
}

func TestStatsCount(t *testing.T) {
	cache := NewRedisCache(newFakeRedis())
	ctx := context.Background()

	_, _ = cache.GetClient(ctx, "missing")
	_ = cache.SetClient(ctx, &db.Client{ClientID: "c1"}, time.Minute)
	_, _ = cache.GetClient(ctx, "c1")

	stats := cache.Stats()
	if stats.Misses != 1 || stats.Hits != 1 {
		t.Errorf("got stats %+v, want 1 hit 1 miss", stats)
	}
}

func TestCachedStoreReadThrough(t *testing.T) {
	store := dbtest.NewStore()
	fake := newFakeRedis()
	cached := NewCachedStore(store, NewRedisCache(fake), time.Minute, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	client := &db.Client{ClientID: "c1", Name: "app"}
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	if _, err := cached.GetClientByID(ctx, "c1"); err != nil {
		t.Fatalf("first read: %v", err)
	}
	// The second read must come from the cache.
	fake.mu.Lock()
	_, populated := fake.data["client:c1"]
	fake.mu.Unlock()
	if !populated {
		t.Fatal("cache not populated after read-through")
	}
	if _, err := cached.GetClientByID(ctx, "c1"); err != nil {
		t.Fatalf("second read: %v", err)
	}
}

func TestCachedStoreInvalidatesOnRevoke(t *testing.T) {
	store := dbtest.NewStore()
	fake := newFakeRedis()
	cached := NewCachedStore(store, NewRedisCache(fake), time.Minute, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	client := &db.Client{ClientID: "c1", Name: "app"}
	if err := store.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if _, err := cached.GetClientByID(ctx, "c1"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	if err := cached.RevokeClient(ctx, "c1"); err != nil {
		t.Fatalf("RevokeClient: %v", err)
	}
	got, err := cached.GetClientByID(ctx, "c1")
	if err != nil {
		t.Fatalf("read after revoke: %v", err)
	}
	if !got.Revoked {
		t.Error("stale unrevoked client served from cache")
	}
}

func TestCachedStoreBlacklistWriteThrough(t *testing.T) {
	store := dbtest.NewStore()
	fake := newFakeRedis()
	cached := NewCachedStore(store, NewRedisCache(fake), time.Minute, logging.New(logging.DefaultConfig()))
	ctx := context.Background()

	entry := &db.BlacklistedToken{TokenHash: "cafe", ExpiresAt: time.Now().Add(time.Hour)}
	if err := cached.BlacklistToken(ctx, entry); err != nil {
		t.Fatalf("BlacklistToken: %v", err)
	}
	banned, err := cached.IsTokenBlacklisted(ctx, "cafe")
	if err != nil || !banned {
		t.Errorf("blacklisted hash not reported: %v %v", banned, err)
	}
}
