package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Belphemur/ImageCache/internal/apperrors"
)

// TestRedisStore requires a running Redis/Valkey server.
// Set REDIS_ADDRESS (e.g., "localhost:6379") to enable these tests.
// They are skipped by default.

func skipIfNoRedis(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("Skipping Redis tests: set REDIS_ADDRESS to enable")
	}
	return addr
}

// flushTestRedisDB clears all data in DB 15 so tests start with a clean slate.
func flushTestRedisDB(t *testing.T, addr string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush Redis test DB: %v", err)
	}
}

func newTestRedisStore(t *testing.T, maxSize int64, onEvict EvictCallback) Store {
	t.Helper()
	addr := skipIfNoRedis(t)
	flushTestRedisDB(t, addr)
	s, err := New(RedisProvider, ProviderConfig{
		MaxSize:      maxSize,
		RedisAddress: addr,
		RedisDB:      15, // use a high DB number for tests
		OnEvict:      onEvict,
	})
	if err != nil {
		t.Fatalf("New redis store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_CommitAndGet(t *testing.T) {
	s := newTestRedisStore(t, 1024, nil)

	if _, ok := readEntry(t, s, "redis-test-key"); ok {
		t.Fatal("Expected miss for new key")
	}

	writeEntry(t, s, "redis-test-key", "hello")
	val, ok := readEntry(t, s, "redis-test-key")
	if !ok {
		t.Fatal("Expected hit after Commit")
	}
	if val != "hello" {
		t.Fatalf("Expected 'hello', got %q", val)
	}
	if s.Len() != 1 || s.Size() != 5 {
		t.Fatalf("Expected Len 1 Size 5, got Len %d Size %d", s.Len(), s.Size())
	}
}

func TestRedisStore_EditInProgress(t *testing.T) {
	s := newTestRedisStore(t, 1024, nil)

	ed, err := s.Edit("redis-lock")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if _, err := s.Edit("redis-lock"); !errors.Is(err, &apperrors.ErrEditInProgress{}) {
		t.Fatalf("Expected ErrEditInProgress, got %v", err)
	}
	_ = ed.Abort()
	if _, err := s.Edit("redis-lock"); err != nil {
		t.Fatalf("Expected Edit to succeed after Abort, got %v", err)
	}
}

func TestRedisStore_LRU_Eviction(t *testing.T) {
	evicted := make([]string, 0)
	onEvict := func(key string, _ int64) {
		evicted = append(evicted, key)
	}

	// Budget of 2 bytes: committing a third 1-byte entry evicts the oldest.
	s := newTestRedisStore(t, 2, onEvict)

	writeEntry(t, s, "a", "1")
	writeEntry(t, s, "b", "2")
	writeEntry(t, s, "c", "3") // should evict "a"

	if _, ok := readEntry(t, s, "a"); ok {
		t.Fatal("Evicted key 'a' should not be present")
	}
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("Expected eviction of 'a', got %v", evicted)
	}
}

func TestRedisStore_LRU_TouchPromotesEntry(t *testing.T) {
	// Insert a, b. Touch a. Insert c. "b" should be evicted (not "a").
	s := newTestRedisStore(t, 2, nil)

	writeEntry(t, s, "a", "1")
	writeEntry(t, s, "b", "2")
	readEntry(t, s, "a")
	writeEntry(t, s, "c", "3")

	if _, ok := readEntry(t, s, "b"); ok {
		t.Fatal("Expected 'b' to be evicted after 'a' was touched")
	}
	if _, ok := readEntry(t, s, "a"); !ok {
		t.Fatal("Key 'a' should still be present")
	}
}

func TestRedisStore_Remove(t *testing.T) {
	s := newTestRedisStore(t, 1024, nil)
	writeEntry(t, s, "gone", "data")

	if err := s.Remove("gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := readEntry(t, s, "gone"); ok {
		t.Fatal("Expected miss after Remove")
	}
}
