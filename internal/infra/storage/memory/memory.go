package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gemdesk/resilience/internal/infra/storage"
)

// Store is an in-memory KeyValue implementation. A single Store shared by
// multiple session managers stands in for the browser profile's shared
// storage, which makes multi-tab scenarios testable in one process.
type Store struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers []func(key, value string)

	// MaxEntries, when > 0, makes Set fail with ErrQuotaExceeded once the
	// store holds that many keys. Used to exercise quota-degradation paths.
	MaxEntries int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	if s.MaxEntries > 0 {
		if _, exists := s.data[key]; !exists && len(s.data) >= s.MaxEntries {
			s.mu.Unlock()
			return storage.ErrQuotaExceeded
		}
	}
	s.data[key] = value
	watchers := make([]func(string, string), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w(key, value)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	watchers := make([]func(string, string), len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w(key, "")
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch registers a callback invoked after every Set or Delete. Deletes are
// reported with an empty value. Mirrors the platform's storage change event.
func (s *Store) Watch(fn func(key, value string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
