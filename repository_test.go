package chatsync_test

import (
	"context"
	"testing"

	chatsync "github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) chatsync.Repository {
		return chatsync.NewMemoryRepository()
	})
}

func TestMemoryRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := chatsync.NewMemoryRepository()
	msg := chatsync.Message{ID: "m1", CID: "messaging:general", ReactionCounts: map[string]int{"like": 1}}
	require.NoError(t, repo.InsertMessage(ctx, msg))
	msg.ReactionCounts["like"] = 9

	got, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	got.ReactionCounts["like"] = 5

	again, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.ReactionCounts["like"])
}

func TestMemoryRepositoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := chatsync.NewMemoryRepository()
	assert.ErrorIs(t, repo.InsertMessage(ctx, chatsync.Message{ID: "m1"}), context.Canceled)
	_, err := repo.SelectChannel(ctx, "messaging:general")
	assert.ErrorIs(t, err, context.Canceled)
}
