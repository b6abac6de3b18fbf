package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryChannelReturnsSameInstance(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)

	const workers = 32
	got := make([]*ChannelState, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = registry.Channel("messaging", "general")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, got[0], got[i], "concurrent lookups must share one container")
	}
	byCID, err := registry.ChannelByCID("messaging:general")
	require.NoError(t, err)
	assert.Same(t, got[0], byCID)
	assert.Len(t, registry.ChannelStates(), 1)
}

func TestRegistryChannelByCIDRejectsMalformed(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)
	for _, cid := range []string{"", "general", ":general", "messaging:"} {
		_, err := registry.ChannelByCID(cid)
		assert.Error(t, err, cid)
	}
	assert.Empty(t, registry.ChannelStates())
}

func TestRegistryQueryChannelsKeyedByFilterAndSort(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)
	f := In("members", "alice")

	a := registry.QueryChannels(f, DefaultChannelSort)
	b := registry.QueryChannels(In("members", "alice"), DefaultChannelSort)
	c := registry.QueryChannels(f, QuerySort{}.Asc("created_at"))

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Nil(t, a.Channels.Value(), "nothing loaded yet")
}

func TestRegistryThreadLoadsParent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.InsertMessage(ctx, testMessage("p1", "messaging:general", "bob", time.Minute)))
	registry := NewStateRegistry(repo, "alice", nil)

	ts, err := registry.Thread(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", ts.ParentID())
	assert.Equal(t, "messaging:general", ts.CID())
	assert.Equal(t, "text p1", ts.Parent.Value().Text)

	again, err := registry.Thread(ctx, "p1")
	require.NoError(t, err)
	assert.Same(t, ts, again)
}

func TestRegistryThreadMissingParent(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)

	_, err := registry.Thread(context.Background(), "nope")
	require.ErrorIs(t, err, ErrMessageNotFound)
	_, ok := registry.ExistingThread("nope")
	assert.False(t, ok, "failed lookups must not leave a container behind")
}

func TestRegistryClear(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.InsertMessage(ctx, testMessage("p1", "messaging:general", "bob", 0)))
	registry := NewStateRegistry(repo, "alice", nil)

	before := registry.Channel("messaging", "general")
	registry.QueryChannels(Filter{}, nil)
	_, err := registry.Thread(ctx, "p1")
	require.NoError(t, err)
	scope := registry.Scope()

	registry.Clear()
	registry.Clear()

	assert.Error(t, scope.Err(), "old scope is cancelled")
	assert.NoError(t, registry.Scope().Err(), "a fresh scope replaces it")
	assert.Empty(t, registry.ChannelStates())
	assert.Empty(t, registry.QueryStates())
	assert.Empty(t, registry.ThreadStates())
	assert.NotSame(t, before, registry.Channel("messaging", "general"), "containers are recreated after Clear")
}

func TestChannelStateIgnoresThreadOnlyReplies(t *testing.T) {
	registry := NewStateRegistry(NewMemoryRepository(), "alice", nil)
	cs := registry.Channel("messaging", "general")

	reply := testMessage("r1", "messaging:general", "bob", time.Minute)
	reply.ParentID = "p1"
	shown := testMessage("r2", "messaging:general", "bob", 2*time.Minute)
	shown.ParentID = "p1"
	shown.ShowInChannel = true
	cs.UpsertMessages(testMessage("m1", "messaging:general", "bob", 0), reply, shown)

	msgs := cs.SortedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "r2", msgs[1].ID)

	cs.RemoveMessagesBefore(testEpoch.Add(time.Minute))
	assert.Len(t, cs.SortedMessages(), 1)
}
