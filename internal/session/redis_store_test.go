package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"projecthub/api/internal/store"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	rs, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	user := store.User{ID: "u_1", Username: "pat", Staff: true, TrustLevel: 3}
	if err := rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	got, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if got.ID != user.ID || got.Username != user.Username || !got.Staff || got.TrustLevel != 3 {
		t.Errorf("round-tripped user = %+v", got)
	}
}

func TestLookupUnknownSession(t *testing.T) {
	rs := setupTestRedis(t)
	_, err := rs.LookupRefreshSession(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	user := store.User{ID: "u_1", Username: "pat"}
	if err := rs.SaveRefreshSession(ctx, "hash-1", user, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := rs.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected revoked session to be gone, got %v", err)
	}
}

func TestSaveRejectsExpired(t *testing.T) {
	rs := setupTestRedis(t)
	err := rs.SaveRefreshSession(context.Background(), "hash-1", store.User{ID: "u_1"}, time.Now().Add(-time.Minute))
	if err == nil {
		t.Fatal("expected SaveRefreshSession() to fail for past expiry")
	}
}

func TestRecordKeyAccess(t *testing.T) {
	rs := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := rs.RecordKeyAccess(ctx, "p1", "keyhash"); err != nil {
			t.Fatalf("RecordKeyAccess() error = %v", err)
		}
	}

	count, err := rs.KeyAccessCount(ctx, "p1", "keyhash")
	if err != nil {
		t.Fatalf("KeyAccessCount() error = %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	other, err := rs.KeyAccessCount(ctx, "p2", "keyhash")
	if err != nil {
		t.Fatalf("KeyAccessCount() error = %v", err)
	}
	if other != 0 {
		t.Errorf("unrelated project count = %d, want 0", other)
	}
}
