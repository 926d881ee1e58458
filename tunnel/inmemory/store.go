// Package inmemory provides a non-durable config store for tests and
// single-run usage.
package inmemory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/burrowhq/burrow/tunnel"
)

type store struct {
	mu      sync.RWMutex
	configs map[uuid.UUID]tunnel.Config
	order   []uuid.UUID
}

func New() tunnel.Store {
	return &store{configs: make(map[uuid.UUID]tunnel.Config)}
}

func (s *store) Load(ctx context.Context) ([]tunnel.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs := make([]tunnel.Config, 0, len(s.order))
	for _, id := range s.order {
		configs = append(configs, s.configs[id])
	}
	return configs, nil
}

func (s *store) Save(ctx context.Context, config tunnel.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[config.ID]; !ok {
		s.order = append(s.order, config.ID)
	}
	s.configs[config.ID] = config
	return nil
}

func (s *store) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[id]; !ok {
		return tunnel.ErrConfigNotFound
	}
	delete(s.configs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
