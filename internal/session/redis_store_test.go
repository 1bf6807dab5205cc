package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), s
}

func TestPing(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRevokeAndCheck(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.Revoked(ctx, "hash-1")
	if err != nil || revoked {
		t.Fatalf("fresh token revoked=%v err=%v", revoked, err)
	}

	if err := store.Revoke(ctx, "hash-1", "user-123", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	revoked, err = store.Revoked(ctx, "hash-1")
	if err != nil || !revoked {
		t.Fatalf("after revoke revoked=%v err=%v", revoked, err)
	}

	r, err := store.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if r.UserID != "user-123" {
		t.Errorf("expected user ID user-123, got %s", r.UserID)
	}
}

func TestRevocationExpiresWithToken(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Revoke(ctx, "hash-2", "user-456", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	revoked, err := store.Revoked(ctx, "hash-2")
	if err != nil {
		t.Fatalf("Revoked failed: %v", err)
	}
	if revoked {
		t.Error("revocation should expire once the token has")
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	store, s := setupTestRedis(t)

	if err := store.Revoke(context.Background(), "hash-3", "user-789", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if s.Exists("revoked:hash-3") {
		t.Error("expired token should not be stored")
	}
}

func TestLookupUnknownToken(t *testing.T) {
	store, _ := setupTestRedis(t)
	if _, err := store.Lookup(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown token")
	}
}
