package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/hardening/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("hardeningtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "csrf_token", "abc123"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(ctx, "csrf_token")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "abc123" {
		t.Errorf("Get = %q, want %q", got, "abc123")
	}

	if err := s.Delete(ctx, "csrf_token"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "csrf_token"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is not an error
	if err := s.Delete(ctx, "csrf_token"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestStore_Set_Validation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "", "value"); err == nil {
		t.Error("Expected error for empty key")
	}

	large := strings.Repeat("x", MaxValueSize+1)
	if err := s.Set(ctx, "large", large); !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Errorf("Set error = %v, want ErrQuotaExceeded", err)
	}
}

func TestStore_KeysArePrefixed(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "security_audit_log", "[]"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"kv:security_audit_log").Build()).ToString()
	if err != nil {
		t.Fatalf("raw GET failed: %v", err)
	}
	if raw != "[]" {
		t.Errorf("raw value = %q, want %q", raw, "[]")
	}
}

func TestStore_Increment_FixedWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	window := 2 * time.Second

	for i := int64(1); i <= 3; i++ {
		count, resetIn, err := s.Increment(ctx, "login:1.2.3.4", window)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if count != i {
			t.Errorf("count = %d, want %d", count, i)
		}
		if resetIn <= 0 || resetIn > window {
			t.Errorf("resetIn = %s, want (0, %s]", resetIn, window)
		}
	}

	// A different key has its own window
	count, _, err := s.Increment(ctx, "login:5.6.7.8", window)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("other key count = %d, want 1", count)
	}

	time.Sleep(window + 200*time.Millisecond)

	count, _, err = s.Increment(ctx, "login:1.2.3.4", window)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count after window = %d, want 1", count)
	}
}

func TestStore_Increment_RepairsMissingExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Simulate a counter that lost its expiry
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.counterKey("api")).Value("4").Build()).Error(); err != nil {
		t.Fatalf("raw SET failed: %v", err)
	}

	count, resetIn, err := s.Increment(ctx, "api", time.Minute)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
	if resetIn <= 0 || resetIn > time.Minute {
		t.Errorf("resetIn = %s, want (0, 1m]", resetIn)
	}
}

func TestStore_Increment_InvalidWindow(t *testing.T) {
	s := testStore(t)

	if _, _, err := s.Increment(context.Background(), "api", 0); err == nil {
		t.Error("Expected error for zero window")
	}
}

func TestStore_Increment_Concurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	counts := make(chan int64, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			count, _, err := s.Increment(ctx, "messages", time.Minute)
			if err != nil {
				t.Errorf("Increment failed: %v", err)
				return
			}
			counts <- count
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool)
	for c := range counts {
		if seen[c] {
			t.Errorf("count %d returned twice", c)
		}
		seen[c] = true
	}
	if len(seen) != goroutines {
		t.Errorf("distinct counts = %d, want %d", len(seen), goroutines)
	}
}
