package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmcleod/keyward/config"
)

// ErrProfileNotFound is returned when a profile id does not resolve.
var ErrProfileNotFound = errors.New("profile not found")

// Store owns the configured profiles, loaded once at startup from the
// "list" property of its configuration sub-store.
type Store struct {
	mu       sync.RWMutex
	cfg      config.Store
	registry *Registry
	logger   *slog.Logger
	ids      []string
	profiles map[string]*Profile
}

// NewStore creates an empty profile store. Call Load before use.
func NewStore(cfg config.Store, registry *Registry, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		profiles: make(map[string]*Profile),
	}
}

// Load initializes every listed profile. Any initialization failure aborts
// the whole load; a server never starts with a partial profile set.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range config.GetList(s.cfg, "list") {
		if _, ok := s.profiles[id]; ok {
			return fmt.Errorf("duplicate profile id %s", id)
		}
		p := New(id, s.cfg.SubStore(id), s.registry, s.logger)
		if err := p.Init(); err != nil {
			return fmt.Errorf("loading profile %s: %w", id, err)
		}
		s.ids = append(s.ids, id)
		s.profiles[id] = p
		s.logger.Info("profile loaded", "profile", id, "enabled", p.Enabled)
	}
	return nil
}

// Get resolves a profile by id.
func (s *Store) Get(id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrProfileNotFound)
	}
	return p, nil
}

// IDs returns the profile ids in load order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.ids)
}
