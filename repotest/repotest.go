// Package repotest holds the behaviour every chatsync.Repository must share.
// Implementations run it from their own tests.
package repotest

import (
	"context"
	"testing"
	"time"

	chatsync "github.com/LuminPulse-AI/chatsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := epoch.Add(offset)
	return &t
}

func message(id, cid string, offset time.Duration) chatsync.Message {
	return chatsync.Message{
		ID:         id,
		CID:        cid,
		Type:       chatsync.MessageTypeRegular,
		Text:       "text " + id,
		User:       chatsync.User{ID: "bob"},
		CreatedAt:  at(offset),
		SyncStatus: chatsync.SyncStatusCompleted,
	}
}

func ids(msgs []chatsync.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

// Run exercises a fresh repository from newRepo in every subtest.
func Run(t *testing.T, newRepo func(t *testing.T) chatsync.Repository) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepo(t)) })
	t.Run("ChannelsCarryMessages", func(t *testing.T) { testChannelsCarryMessages(t, newRepo(t)) })
	t.Run("SelectChannelsOrder", func(t *testing.T) { testSelectChannelsOrder(t, newRepo(t)) })
	t.Run("DeleteChannel", func(t *testing.T) { testDeleteChannel(t, newRepo(t)) })
	t.Run("Truncate", func(t *testing.T) { testTruncate(t, newRepo(t)) })
	t.Run("MessagesForChannel", func(t *testing.T) { testMessagesForChannel(t, newRepo(t)) })
	t.Run("LocalFields", func(t *testing.T) { testLocalFields(t, newRepo(t)) })
	t.Run("Polls", func(t *testing.T) { testPolls(t, newRepo(t)) })
	t.Run("SyncStatus", func(t *testing.T) { testSyncStatus(t, newRepo(t)) })
	t.Run("Threads", func(t *testing.T) { testThreads(t, newRepo(t)) })
	t.Run("QuerySpecs", func(t *testing.T) { testQuerySpecs(t, newRepo(t)) })
	t.Run("ChannelConfigs", func(t *testing.T) { testChannelConfigs(t, newRepo(t)) })
	t.Run("Clear", func(t *testing.T) { testClear(t, newRepo(t)) })
}

func testUsers(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertUsers(ctx, []chatsync.User{{ID: "bob", Name: "Bob"}, {ID: "carol"}}))
	require.NoError(t, repo.InsertUsers(ctx, []chatsync.User{{ID: "bob", Name: "Robert"}}))

	users, err := repo.SelectUsers(ctx, []string{"bob", "nobody"})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Robert", users[0].Name)
}

func testChannelsCarryMessages(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	c := chatsync.NewChannel("messaging:general")
	c.Name = "General"
	c.LastMessageAt = at(time.Minute)
	c.SyncStatus = chatsync.SyncStatusCompleted
	c.Messages = []chatsync.Message{message("m1", "", time.Minute)}
	require.NoError(t, repo.InsertChannel(ctx, c))

	got, err := repo.SelectChannel(ctx, "messaging:general")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "General", got.Name)
	assert.Equal(t, chatsync.SyncStatusCompleted, got.SyncStatus)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(*at(time.Minute)))
	assert.Equal(t, []string{"m1"}, ids(got.Messages))
	assert.Equal(t, "messaging:general", got.Messages[0].CID)

	missing, err := repo.SelectChannel(ctx, "messaging:nowhere")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testSelectChannelsOrder(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertChannels(ctx, []chatsync.Channel{
		chatsync.NewChannel("messaging:a"),
		chatsync.NewChannel("messaging:b"),
		chatsync.NewChannel("messaging:c"),
	}))
	got, err := repo.SelectChannels(ctx, []string{"messaging:c", "messaging:x", "messaging:a"})
	require.NoError(t, err)
	cids := make([]string, 0, len(got))
	for _, c := range got {
		cids = append(cids, c.CID)
	}
	assert.Equal(t, []string{"messaging:c", "messaging:a"}, cids)
}

func testDeleteChannel(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	c := chatsync.NewChannel("messaging:general")
	c.Messages = []chatsync.Message{message("m1", "messaging:general", 0)}
	require.NoError(t, repo.InsertChannel(ctx, c))
	require.NoError(t, repo.InsertMessage(ctx, message("other", "messaging:random", 0)))

	require.NoError(t, repo.DeleteChannel(ctx, "messaging:general"))
	got, err := repo.SelectChannel(ctx, "messaging:general")
	require.NoError(t, err)
	assert.Nil(t, got)
	m, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
	m, err = repo.SelectMessage(ctx, "other")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func testTruncate(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertMessages(ctx, []chatsync.Message{
		message("old", "messaging:general", 0),
		message("new", "messaging:general", time.Hour),
		message("elsewhere", "messaging:random", 0),
	}))
	require.NoError(t, repo.DeleteChannelMessagesBefore(ctx, "messaging:general", *at(time.Minute)))

	left, err := repo.SelectMessages(ctx, []string{"old", "new", "elsewhere"})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "elsewhere"}, ids(left))
}

func testMessagesForChannel(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	reply := message("reply", "messaging:general", 4*time.Minute)
	reply.ParentID = "m1"
	shown := message("shown", "messaging:general", 5*time.Minute)
	shown.ParentID = "m1"
	shown.ShowInChannel = true
	require.NoError(t, repo.InsertMessages(ctx, []chatsync.Message{
		message("m3", "messaging:general", 3*time.Minute),
		message("m1", "messaging:general", time.Minute),
		message("m2", "messaging:general", 2*time.Minute),
		reply,
		shown,
	}))

	all, err := repo.SelectMessagesForChannel(ctx, "messaging:general", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3", "shown"}, ids(all))

	newest, err := repo.SelectMessagesForChannel(ctx, "messaging:general", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "shown"}, ids(newest))
}

func testLocalFields(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	m := message("m1", "messaging:general", 0)
	m.CreatedAt = nil
	m.CreatedLocallyAt = at(time.Second)
	m.SyncStatus = chatsync.SyncStatusSyncNeeded
	m.Attachments = []chatsync.Attachment{{
		Name:        "report.pdf",
		LocalPath:   "/tmp/report.pdf",
		UploadID:    "u1",
		UploadState: chatsync.UploadState{Kind: chatsync.UploadFailed, Error: "offline", TotalBytes: 10},
	}}
	m.OwnReactions = []chatsync.Reaction{{Type: "like", UserID: "alice", SyncStatus: chatsync.SyncStatusSyncNeeded}}
	require.NoError(t, repo.InsertMessage(ctx, m))

	got, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chatsync.SyncStatusSyncNeeded, got.SyncStatus)
	require.NotNil(t, got.CreatedLocallyAt)
	assert.True(t, got.CreatedLocallyAt.Equal(*at(time.Second)))
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "/tmp/report.pdf", got.Attachments[0].LocalPath)
	assert.Equal(t, "u1", got.Attachments[0].UploadID)
	assert.Equal(t, chatsync.UploadFailed, got.Attachments[0].UploadState.Kind)
	assert.Equal(t, "offline", got.Attachments[0].UploadState.Error)
	require.Len(t, got.OwnReactions, 1)
	assert.Equal(t, chatsync.SyncStatusSyncNeeded, got.OwnReactions[0].SyncStatus)
}

func testPolls(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	withPoll := message("m1", "messaging:general", 0)
	withPoll.Poll = &chatsync.Poll{ID: "p1", Name: "lunch?"}
	quoted := message("m2", "messaging:general", time.Minute)
	quoted.Poll = &chatsync.Poll{ID: "p1", Name: "lunch?"}
	other := message("m3", "messaging:general", 2*time.Minute)
	other.Poll = &chatsync.Poll{ID: "p2"}
	require.NoError(t, repo.InsertMessages(ctx, []chatsync.Message{withPoll, quoted, other, message("m4", "messaging:general", 0)}))

	got, err := repo.SelectMessagesWithPoll(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids(got))
}

func testSyncStatus(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	pending := message("m2", "messaging:general", time.Minute)
	pending.SyncStatus = chatsync.SyncStatusSyncNeeded
	failed := message("m3", "messaging:general", 0)
	failed.SyncStatus = chatsync.SyncStatusSyncNeeded
	require.NoError(t, repo.InsertMessages(ctx, []chatsync.Message{message("m1", "messaging:general", 0), pending, failed}))

	got, err := repo.SelectMessagesBySyncStatus(ctx, chatsync.SyncStatusSyncNeeded)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2"}, ids(got))

	require.NoError(t, repo.DeleteMessage(ctx, "m3"))
	got, err = repo.SelectMessagesBySyncStatus(ctx, chatsync.SyncStatusSyncNeeded)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(got))
}

func testThreads(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertThreads(ctx, []chatsync.Thread{
		{ParentMessageID: "p1", CID: "messaging:general", ReplyCount: 1},
	}))
	require.NoError(t, repo.InsertThreads(ctx, []chatsync.Thread{
		{ParentMessageID: "p1", CID: "messaging:general", ReplyCount: 2},
	}))
	got, err := repo.SelectThreads(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].ReplyCount)
}

func testQuerySpecs(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	filter := chatsync.And(chatsync.Eq("type", "messaging"), chatsync.In("members", "alice"))
	sort := chatsync.DefaultChannelSort

	missing, err := repo.SelectQuerySpec(ctx, filter, sort)
	require.NoError(t, err)
	assert.Nil(t, missing)

	spec := chatsync.NewQueryChannelsSpec(filter, sort).WithCIDs("messaging:b", "messaging:a")
	require.NoError(t, repo.InsertQuerySpec(ctx, spec))
	got, err := repo.SelectQuerySpec(ctx, filter, sort)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, spec.ID, got.ID)
	assert.ElementsMatch(t, []string{"messaging:a", "messaging:b"}, got.CIDs)

	other, err := repo.SelectQuerySpec(ctx, chatsync.In("members", "bob"), sort)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testChannelConfigs(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertChannelConfigs(ctx, []chatsync.ChannelConfig{
		{Type: "messaging", Reactions: true, MaxMessageLength: 5000},
	}))
	got, err := repo.SelectChannelConfig(ctx, "messaging")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Reactions)
	assert.Equal(t, 5000, got.MaxMessageLength)

	none, err := repo.SelectChannelConfig(ctx, "livestream")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testClear(t *testing.T, repo chatsync.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.InsertUsers(ctx, []chatsync.User{{ID: "bob"}}))
	require.NoError(t, repo.InsertChannel(ctx, chatsync.NewChannel("messaging:general")))
	require.NoError(t, repo.InsertMessage(ctx, message("m1", "messaging:general", 0)))
	require.NoError(t, repo.InsertQuerySpec(ctx, chatsync.NewQueryChannelsSpec(chatsync.In("members", "bob"), chatsync.DefaultChannelSort)))

	require.NoError(t, repo.Clear(ctx))
	require.NoError(t, repo.Clear(ctx))

	users, err := repo.SelectUsers(ctx, []string{"bob"})
	require.NoError(t, err)
	assert.Empty(t, users)
	c, err := repo.SelectChannel(ctx, "messaging:general")
	require.NoError(t, err)
	assert.Nil(t, c)
	m, err := repo.SelectMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
	spec, err := repo.SelectQuerySpec(ctx, chatsync.In("members", "bob"), chatsync.DefaultChannelSort)
	require.NoError(t, err)
	assert.Nil(t, spec)
}
