package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/ledger-history/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis on DB 15 and skips the test when
// none is running. tests/integration covers the same paths against a
// testcontainers Redis.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, DefaultOptions())
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if got := manager.key("sig1"); got != "ledger:tx:finalized:sig1" {
		t.Errorf("key = %s", got)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, DefaultOptions())
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	env := finalizedEnvelope("sig1")
	if err := manager.Set(ctx, env); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, "sig1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if retrieved.Slot != env.Slot {
		t.Errorf("Slot mismatch: got %d, want %d", retrieved.Slot, env.Slot)
	}
	if *retrieved.BlockTime != *env.BlockTime {
		t.Errorf("BlockTime mismatch: got %d, want %d", *retrieved.BlockTime, *env.BlockTime)
	}
	if len(retrieved.AccountKeys) != 2 || retrieved.PostBalances[1] != 700 {
		t.Errorf("balances mismatch: %+v", retrieved)
	}

	ttl, err := client.TTL(ctx, manager.key("sig1")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 7*24*time.Hour {
		t.Errorf("TTL = %v, want within the configured 7 days", ttl)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())

	_, err := manager.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_UnfinalizedNotCached(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	env := finalizedEnvelope("pending")
	env.BlockTime = nil

	if err := manager.Set(ctx, env); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := manager.Get(ctx, "pending")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss for unfinalized envelope, got %v", err)
	}
}

func TestManager_Get_CorruptedEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	if err := client.Set(ctx, manager.key("sig1"), "not json", 0).Err(); err != nil {
		t.Fatalf("raw set failed: %v", err)
	}

	_, err := manager.Get(ctx, "sig1")
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}

	// corrupted entries are removed
	if n, _ := client.Exists(ctx, manager.key("sig1")).Result(); n != 0 {
		t.Error("corrupted entry should have been deleted")
	}
}

func TestManager_GetManyPutMany(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	pending := finalizedEnvelope("pending")
	pending.BlockTime = nil

	err := manager.PutMany(ctx, []*ledger.Envelope{
		finalizedEnvelope("a"),
		finalizedEnvelope("b"),
		pending,
	})
	if err != nil {
		t.Fatalf("PutMany failed: %v", err)
	}

	got, err := manager.GetMany(ctx, []string{"a", "missing", "b", "pending"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMany returned %d entries, want 2", len(got))
	}
	for _, sig := range []string{"a", "b"} {
		if env, ok := got[sig]; !ok || env.Signature != sig {
			t.Errorf("entry %s missing or wrong: %+v", sig, env)
		}
	}
}

func TestManager_GetMany_DeletesCorruptedEntries(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	if err := manager.Set(ctx, finalizedEnvelope("good")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := client.Set(ctx, manager.key("bad"), "not json", 0).Err(); err != nil {
		t.Fatalf("raw set failed: %v", err)
	}

	got, err := manager.GetMany(ctx, []string{"good", "bad"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(got) != 1 || got["good"] == nil {
		t.Errorf("GetMany = %v, want only the good entry", got)
	}

	if n, _ := client.Exists(ctx, manager.key("bad")).Result(); n != 0 {
		t.Error("corrupted entry should have been deleted")
	}
	if n, _ := client.Exists(ctx, manager.key("good")).Result(); n != 1 {
		t.Error("valid entry should be kept")
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, DefaultOptions())
	ctx := context.Background()

	if err := manager.Set(ctx, finalizedEnvelope("sig1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := manager.Get(ctx, "sig1"); err != nil {
		t.Fatalf("Get after Set failed: %v", err)
	}

	if err := manager.Delete(ctx, "sig1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err := manager.Get(ctx, "sig1")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEnvelope(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	manager := NewManager(client, DefaultOptions())

	if err := manager.Set(context.Background(), nil); err == nil {
		t.Error("Set with nil envelope should return error")
	}
}
