package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/hardening/storage"
)

func TestStore_SetGet(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	if err := store.Set(ctx, "csrf_token", "abc"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "csrf_token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "abc" {
		t.Errorf("Get() = %q, want %q", got, "abc")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store := New()
	defer store.Stop()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Set_EmptyKey(t *testing.T) {
	store := New()
	defer store.Stop()

	if err := store.Set(context.Background(), "", "v"); err == nil {
		t.Error("Set() with empty key should return error")
	}
}

func TestStore_Delete(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	_ = store.Set(ctx, "k", "v")
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrNotFound", err)
	}

	// Deleting twice is fine
	if err := store.Delete(ctx, "k"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
	if store.UsedBytes() != 0 {
		t.Errorf("UsedBytes() = %d, want 0", store.UsedBytes())
	}
}

func TestStore_Quota(t *testing.T) {
	store := NewWithQuota(10)
	defer store.Stop()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "12345"); err != nil {
		t.Fatalf("Set() within quota error = %v", err)
	}

	err := store.Set(ctx, "other", strings.Repeat("x", 10))
	if !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("Set() over quota error = %v, want ErrQuotaExceeded", err)
	}

	// Replacing a value only counts the difference
	if err := store.Set(ctx, "k", "123456789"); err != nil {
		t.Errorf("Set() replacing within quota error = %v", err)
	}
	if store.UsedBytes() != 10 {
		t.Errorf("UsedBytes() = %d, want 10", store.UsedBytes())
	}
}

func TestStore_Increment_FixedWindow(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	for i := int64(1); i <= 3; i++ {
		count, resetIn, err := store.Increment(ctx, "login:user42", time.Minute)
		if err != nil {
			t.Fatalf("Increment() error = %v", err)
		}
		if count != i {
			t.Errorf("Increment() count = %d, want %d", count, i)
		}
		if resetIn != time.Minute {
			t.Errorf("Increment() resetIn = %v, want %v", resetIn, time.Minute)
		}
	}

	now = now.Add(30 * time.Second)
	_, resetIn, _ := store.Increment(ctx, "login:user42", time.Minute)
	if resetIn != 30*time.Second {
		t.Errorf("resetIn after 30s = %v, want 30s", resetIn)
	}

	now = now.Add(31 * time.Second)
	count, _, _ := store.Increment(ctx, "login:user42", time.Minute)
	if count != 1 {
		t.Errorf("count after window end = %d, want 1", count)
	}
}

func TestStore_Increment_InvalidWindow(t *testing.T) {
	store := New()
	defer store.Stop()

	if _, _, err := store.Increment(context.Background(), "k", 0); err == nil {
		t.Error("Increment() with zero window should return error")
	}
}

func TestStore_Cleanup(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	_, _, _ = store.Increment(ctx, "a", time.Second)
	_, _, _ = store.Increment(ctx, "b", time.Hour)

	now = now.Add(2 * time.Second)
	store.cleanup()

	store.mu.RLock()
	remaining := len(store.counters)
	store.mu.RUnlock()

	if remaining != 1 {
		t.Errorf("counters after cleanup = %d, want 1", remaining)
	}
}

func TestStore_Stop_Idempotent(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_Concurrent(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = store.Increment(ctx, "shared", time.Hour)
		}()
	}
	wg.Wait()

	count, _, _ := store.Increment(ctx, "shared", time.Hour)
	if count != 51 {
		t.Errorf("count = %d, want 51", count)
	}
}

func TestPrefixed(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	a := storage.NewPrefixed(store, "session:a:")
	b := storage.NewPrefixed(store, "session:b:")

	_ = a.Set(ctx, "csrf_token", "token-a")
	_ = b.Set(ctx, "csrf_token", "token-b")

	got, _ := a.Get(ctx, "csrf_token")
	if got != "token-a" {
		t.Errorf("a.Get() = %q, want token-a", got)
	}
	raw, _ := store.Get(ctx, "session:b:csrf_token")
	if raw != "token-b" {
		t.Errorf("underlying key = %q, want token-b", raw)
	}

	_ = a.Delete(ctx, "csrf_token")
	if _, err := b.Get(ctx, "csrf_token"); err != nil {
		t.Errorf("b.Get() after a.Delete() error = %v", err)
	}
}
