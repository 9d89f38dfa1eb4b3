// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/hardening/storage"
)

// MockKeyValueStore is a mock implementation of KeyValueStore for testing.
// The Func fields can be replaced to inject failures.
type MockKeyValueStore struct {
	mu         sync.RWMutex
	values     map[string]string
	GetFunc    func(key string) (string, error)
	SetFunc    func(key, value string) error
	DeleteFunc func(key string) error
	CallCounts map[string]int
}

// Compile-time interface check
var _ storage.KeyValueStore = (*MockKeyValueStore)(nil)

// NewMockKeyValueStore creates a new mock key/value store
func NewMockKeyValueStore() *MockKeyValueStore {
	m := &MockKeyValueStore{
		values:     make(map[string]string),
		CallCounts: make(map[string]int),
	}

	// Set default implementations
	m.GetFunc = func(key string) (string, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		v, ok := m.values[key]
		if !ok {
			return "", storage.ErrNotFound
		}
		return v, nil
	}

	m.SetFunc = func(key, value string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.values[key] = value
		return nil
	}

	m.DeleteFunc = func(key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.values, key)
		return nil
	}

	return m
}

// Get implements KeyValueStore
func (m *MockKeyValueStore) Get(_ context.Context, key string) (string, error) {
	m.count("Get")
	return m.GetFunc(key)
}

// Set implements KeyValueStore
func (m *MockKeyValueStore) Set(_ context.Context, key, value string) error {
	m.count("Set")
	return m.SetFunc(key, value)
}

// Delete implements KeyValueStore
func (m *MockKeyValueStore) Delete(_ context.Context, key string) error {
	m.count("Delete")
	return m.DeleteFunc(key)
}

// Calls returns how many times method was invoked
func (m *MockKeyValueStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *MockKeyValueStore) count(method string) {
	m.mu.Lock()
	m.CallCounts[method]++
	m.mu.Unlock()
}

// MockWindowCounter is a mock implementation of WindowCounter for testing
type MockWindowCounter struct {
	mu            sync.Mutex
	IncrementFunc func(key string, window time.Duration) (int64, time.Duration, error)
	calls         int
}

// Compile-time interface check
var _ storage.WindowCounter = (*MockWindowCounter)(nil)

// NewMockWindowCounter creates a mock counter that fails every call with err.
// Pass a nil error and replace IncrementFunc for custom behavior.
func NewMockWindowCounter(err error) *MockWindowCounter {
	return &MockWindowCounter{
		IncrementFunc: func(string, time.Duration) (int64, time.Duration, error) {
			return 0, 0, err
		},
	}
}

// Increment implements WindowCounter
func (m *MockWindowCounter) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.IncrementFunc(key, window)
}

// Calls returns how many times Increment was invoked
func (m *MockWindowCounter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
