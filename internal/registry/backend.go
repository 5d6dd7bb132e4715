package registry

import (
	"context"
	"encoding/json"
	"sync"
)

// Backend persists records grouped by store name. Load returns (nil, nil)
// when the key was never stored; any other failure means the store itself
// is unusable.
type Backend interface {
	Load(ctx context.Context, store, key string) (*Record, error)
	Save(ctx context.Context, store string, rec Record) error
	Delete(ctx context.Context, store, key string) error
	Close() error
}

type InMemoryBackend struct {
	mu     sync.Mutex
	stores map[string]map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{stores: map[string]map[string][]byte{}}
}

func (b *InMemoryBackend) Load(_ context.Context, store, key string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.stores[store][key]
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *InMemoryBackend) Save(_ context.Context, store string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stores[store] == nil {
		b.stores[store] = map[string][]byte{}
	}
	b.stores[store][rec.LogicalKey] = data
	return nil
}

func (b *InMemoryBackend) Delete(_ context.Context, store, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores[store], key)
	return nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}
