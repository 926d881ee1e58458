package inmemory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/tunnel"
)

func testConfig(name string) tunnel.Config {
	return tunnel.Config{
		ID:         uuid.New(),
		Name:       name,
		SSHHost:    "bastion.example.com",
		SSHPort:    22,
		Forwarding: tunnel.DynamicForwarding{LocalPort: 1080},
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := New()

	first := testConfig("first")
	second := testConfig("second")
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	configs, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "first", configs[0].Name, "load preserves insertion order")
	assert.Equal(t, "second", configs[1].Name)

	// Save is an upsert and does not change ordering.
	first.Name = "renamed"
	require.NoError(t, store.Save(ctx, first))
	configs, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "renamed", configs[0].Name)

	require.NoError(t, store.Delete(ctx, first.ID))
	configs, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, second.ID, configs[0].ID)

	assert.Equal(t, tunnel.ErrConfigNotFound, store.Delete(ctx, first.ID))
}
