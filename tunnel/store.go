package tunnel

import (
	"context"

	"github.com/google/uuid"
)

// Store persists tunnel configurations. The manager owns no storage of its
// own; a configuration must round-trip through Save and Load without loss.
type Store interface {
	// Load returns every stored configuration, oldest first.
	Load(ctx context.Context) ([]Config, error)

	// Save inserts or replaces the configuration with config.ID.
	Save(ctx context.Context, config Config) error

	// Delete removes the configuration for id. Deleting an unknown id
	// returns ErrConfigNotFound.
	Delete(ctx context.Context, id uuid.UUID) error
}
