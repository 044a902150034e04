// Package config provides the hierarchical key/value configuration store
// used by the profile engine. Keys use dotted-path addressing; a sub-store
// is a prefixed view onto the same underlying data, so writes through a
// sub-store are visible to the parent and survive Commit.
package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store is the configuration interface consumed by the profile engine.
// All profile and policy persistence goes through it.
type Store interface {
	// GetString returns the value at key, or def when absent.
	GetString(key, def string) string
	// PutString sets the value at key. The change is in-memory until Commit.
	PutString(key, value string)
	// Remove deletes the value at key if present.
	Remove(key string)
	// SubStore returns a view rooted at name under this store.
	SubStore(name string) Store
	// Keys returns the sorted keys directly or transitively under this store.
	Keys() []string
	// Commit persists pending changes. When sync is true the write is
	// flushed before returning.
	Commit(sync bool) error
}

// GetBool reads a boolean property with a default.
func GetBool(s Store, key string, def bool) bool {
	v := s.GetString(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetList reads a comma-separated ordered list property. Empty entries are
// dropped; an absent property yields a nil slice.
func GetList(s Store, key string) []string {
	raw := s.GetString(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PutList writes an ordered list property as a comma-separated value.
// An empty list removes the property.
func PutList(s Store, key string, values []string) {
	if len(values) == 0 {
		s.Remove(key)
		return
	}
	s.PutString(key, strings.Join(values, ","))
}

// MapStore is a thread-safe in-memory Store. Suitable for tests and for
// engines whose configuration is provisioned externally.
type MapStore struct {
	root   *mapData
	prefix string
}

type mapData struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ Store = (*MapStore)(nil)

// NewMapStore creates an empty in-memory Store.
func NewMapStore() *MapStore {
	return &MapStore{root: &mapData{data: make(map[string]string)}}
}

// NewMapStoreFrom creates an in-memory Store seeded with the given
// dotted-path properties.
func NewMapStoreFrom(props map[string]string) *MapStore {
	s := NewMapStore()
	for k, v := range props {
		s.root.data[k] = v
	}
	return s
}

func (s *MapStore) abs(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "." + key
}

func (s *MapStore) GetString(key, def string) string {
	s.root.mu.RLock()
	defer s.root.mu.RUnlock()
	if v, ok := s.root.data[s.abs(key)]; ok {
		return v
	}
	return def
}

func (s *MapStore) PutString(key, value string) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	s.root.data[s.abs(key)] = value
}

func (s *MapStore) Remove(key string) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	delete(s.root.data, s.abs(key))
}

func (s *MapStore) SubStore(name string) Store {
	return &MapStore{root: s.root, prefix: s.abs(name)}
}

func (s *MapStore) Keys() []string {
	s.root.mu.RLock()
	defer s.root.mu.RUnlock()
	var keys []string
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "."
	}
	for k := range s.root.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys
}

// Commit is a no-op for the in-memory store.
func (s *MapStore) Commit(bool) error {
	return nil
}
