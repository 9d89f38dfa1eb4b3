package storage

import "context"

// Prefixed scopes a KeyValueStore to keys starting with prefix.
// It is used to give every session its own namespace inside one session store.
type Prefixed struct {
	store  KeyValueStore
	prefix string
}

// Compile-time interface check
var _ KeyValueStore = (*Prefixed)(nil)

// NewPrefixed returns a view of store where every key is prepended with prefix.
func NewPrefixed(store KeyValueStore, prefix string) *Prefixed {
	return &Prefixed{store: store, prefix: prefix}
}

// Get returns the value stored under prefix+key.
func (p *Prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.store.Get(ctx, p.prefix+key)
}

// Set stores value under prefix+key.
func (p *Prefixed) Set(ctx context.Context, key, value string) error {
	return p.store.Set(ctx, p.prefix+key, value)
}

// Delete removes prefix+key.
func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}
