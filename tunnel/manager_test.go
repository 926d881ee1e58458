package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ConfigurationCRUD(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())
	ctx := context.Background()

	config := reconnectConfig()
	config.ID = uuid.Nil

	created, err := m.AddConfiguration(ctx, config)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID, "a zero id is assigned one")

	got, err := m.GetConfiguration(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	created.Name = "renamed"
	require.NoError(t, m.UpdateConfiguration(ctx, created))
	got, err = m.GetConfiguration(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	list, err := m.ListConfigurations(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, m.RemoveConfiguration(ctx, created.ID))
	_, err = m.GetConfiguration(ctx, created.ID)
	assert.Equal(t, ErrConfigNotFound, err)
}

func TestManager_AddRejectsInvalid(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())

	_, err := m.AddConfiguration(context.Background(), Config{Name: "broken"})
	assert.True(t, IsConfigurationError(err))

	list, _ := m.ListConfigurations(context.Background())
	assert.Empty(t, list, "invalid configurations are never persisted")
}

func TestManager_EditWhileRunningRejected(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())
	ctx := context.Background()

	config, err := m.AddConfiguration(ctx, reconnectConfig())
	require.NoError(t, err)
	require.NoError(t, m.StartTunnel(ctx, config))

	config.Name = "renamed"
	assert.True(t, IsConfigurationError(m.UpdateConfiguration(ctx, config)))
	assert.True(t, IsConfigurationError(m.RemoveConfiguration(ctx, config.ID)))

	require.NoError(t, m.StopTunnel(ctx, config))
	assert.NoError(t, m.UpdateConfiguration(ctx, config))
	assert.NoError(t, m.RemoveConfiguration(ctx, config.ID))
}

func TestManager_UpdateUnknownConfig(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())

	err := m.UpdateConfiguration(context.Background(), reconnectConfig())
	assert.Equal(t, ErrConfigNotFound, err)
}

func TestManager_Events(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())
	ctx := context.Background()

	events, cancel := m.Subscribe()
	defer cancel()

	config, err := m.AddConfiguration(ctx, reconnectConfig())
	require.NoError(t, err)
	require.NoError(t, m.RemoveConfiguration(ctx, config.ID))

	expect := func(want EventType) Event {
		t.Helper()
		select {
		case event := <-events:
			assert.Equal(t, want, event.Type)
			assert.Equal(t, config.ID, event.Config.ID)
			return event
		case <-time.After(testWait):
			t.Fatalf("no %s event", want)
			return Event{}
		}
	}
	expect(EventTunnelAdded)
	expect(EventTunnelRemoved)
}

func TestManager_SubscribeCancel(t *testing.T) {
	m := newTestManager(&fakeLauncher{}, &manualTimer{}, testOpts())

	events, cancel := m.Subscribe()
	cancel()

	// Publishing after cancel must not block or panic.
	_, err := m.AddConfiguration(context.Background(), reconnectConfig())
	require.NoError(t, err)

	_, open := <-events
	assert.False(t, open, "cancel closes the subscription channel")
}

func TestManager_Check(t *testing.T) {
	launcher := &fakeLauncher{}
	m := newTestManager(launcher, &manualTimer{}, testOpts())
	require.NoError(t, m.Check(context.Background()))

	m.store.(*fakeStore).loadErr = assert.AnError
	assert.Error(t, m.Check(context.Background()))
}
