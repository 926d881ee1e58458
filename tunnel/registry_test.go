package tunnel

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InsertIfAbsent(t *testing.T) {
	r := NewRegistry()
	config := baseConfig(DynamicForwarding{LocalPort: 1080})
	config.ID = uuid.New()

	require.NoError(t, r.Insert(config, nil))
	assert.Equal(t, ErrAlreadyRunning, r.Insert(config, nil))

	// A terminal leftover is replaced, not rejected.
	r.Transition(config.ID, StatusFailed)
	require.NoError(t, r.Insert(config, nil))

	status, ok := r.Status(config.ID)
	require.True(t, ok)
	assert.Equal(t, StatusStarting, status)
}

func TestRegistry_InsertConcurrent(t *testing.T) {
	r := NewRegistry()
	config := baseConfig(DynamicForwarding{LocalPort: 1080})
	config.ID = uuid.New()

	const attempts = 64
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Insert(config, nil) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one concurrent insert must win")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Transitions(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	config := baseConfig(DynamicForwarding{LocalPort: 1080})
	config.ID = id
	require.NoError(t, r.Insert(config, nil))

	// Starting -> Stopped is not a legal edge.
	assert.False(t, r.Transition(id, StatusStopped))

	assert.True(t, r.Transition(id, StatusActive))
	assert.True(t, r.Transition(id, StatusReconnecting))
	assert.True(t, r.Transition(id, StatusActive))
	assert.True(t, r.Transition(id, StatusStopping))

	// Stopping only ever leads to Stopped.
	assert.False(t, r.Transition(id, StatusActive))
	assert.False(t, r.Transition(id, StatusReconnecting))
	assert.True(t, r.Transition(id, StatusStopped))

	// Terminal states have no outgoing edges.
	assert.False(t, r.Transition(id, StatusActive))

	assert.False(t, r.Transition(uuid.New(), StatusActive), "missing entries cannot transition")
}

func TestRegistry_ListOrdering(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		config := baseConfig(DynamicForwarding{LocalPort: 1080})
		config.ID = uuid.New()
		config.Name = name
		require.NoError(t, r.Insert(config, nil))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Config.Name)
	assert.Equal(t, "bravo", list[1].Config.Name)
	assert.Equal(t, "charlie", list[2].Config.Name)
}

func TestRegistry_RetryBookkeeping(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	config := baseConfig(DynamicForwarding{LocalPort: 1080})
	config.ID = id
	require.NoError(t, r.Insert(config, nil))

	assert.Equal(t, 1, r.IncrRetry(id))
	assert.Equal(t, 2, r.IncrRetry(id))
	r.RecordFailure(id, "connection reset")

	at, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, 2, at.RetryCount)
	assert.Equal(t, "connection reset", at.LastError)

	r.ResetRetries(id)
	at, _ = r.Get(id)
	assert.Equal(t, 0, at.RetryCount)
}
