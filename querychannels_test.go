package chatsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryFixture struct {
	logic    *QueryChannelsLogic
	registry *StateRegistry
	repo     Repository
	api      *fakeChannelAPI
	online   atomic.Bool
}

func newQueryFixture(t *testing.T, repo Repository, api *fakeChannelAPI, predicate ChannelFilterPredicate) *queryFixture {
	t.Helper()
	clock := newFakeClock()
	cfg := testConfig(clock, newFakeScheduler(clock))
	if api != nil {
		cfg.ChannelAPI = api
	}
	cfg.Predicate = predicate
	fx := &queryFixture{
		registry: NewStateRegistry(repo, cfg.CurrentUser.ID, nil),
		repo:     repo,
		api:      api,
	}
	fx.online.Store(true)
	fx.logic = NewQueryChannelsLogic(In("members", "alice"), DefaultChannelSort, fx.registry, repo, fx.online.Load, cfg)
	return fx
}

func cidsOf(channels []Channel) []string {
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, c.CID)
	}
	return out
}

func seedQuery(t *testing.T, repo Repository, filter Filter, sort QuerySort, channels ...Channel) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.InsertChannels(ctx, channels))
	spec := NewQueryChannelsSpec(filter, sort)
	for _, c := range channels {
		spec = spec.WithCIDs(c.CID)
	}
	require.NoError(t, repo.InsertQuerySpec(ctx, spec))
}

func TestQueryChannelsEndOfChannels(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  bool
	}{
		{"fewer than limit", 3, true},
		{"exactly limit", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeChannelAPI{pages: [][]Channel{{
				testChannel("messaging:a", time.Hour),
				testChannel("messaging:b", time.Minute),
			}}}
			fx := newQueryFixture(t, NewMemoryRepository(), api, nil)

			got, err := fx.logic.QueryChannels(context.Background(), QueryChannelsRequest{Limit: tt.limit})
			require.NoError(t, err)

			state := fx.logic.State()
			assert.Equal(t, []string{"messaging:a", "messaging:b"}, cidsOf(got))
			assert.Equal(t, tt.want, state.EndOfChannels.Value())
			assert.Equal(t, 2, state.ChannelsOffset.Value())
			assert.False(t, state.Loading.Value(), "loading flag is released")
			assert.False(t, state.RecoveryNeeded.Value())
			assert.NoError(t, state.Err.Value())
		})
	}
}

func TestQueryChannelsPersistsResult(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	api := &fakeChannelAPI{pages: [][]Channel{{testChannel("messaging:a", time.Hour)}}}
	fx := newQueryFixture(t, repo, api, nil)

	_, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{})
	require.NoError(t, err)

	spec, err := repo.SelectQuerySpec(ctx, In("members", "alice"), DefaultChannelSort)
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, []string{"messaging:a"}, spec.CIDs)

	c, err := repo.SelectChannel(ctx, "messaging:a")
	require.NoError(t, err)
	assert.NotNil(t, c)
	cfg, err := repo.SelectChannelConfig(ctx, "messaging")
	require.NoError(t, err)
	assert.NotNil(t, cfg, "channel type config is cached")

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultChannelLimit, reqs[0].Limit, "default page size applies")
	assert.Equal(t, DefaultMessageLimit, reqs[0].MessageLimit)
}

func TestQueryChannelsLoadMoreAppends(t *testing.T) {
	api := &fakeChannelAPI{pages: [][]Channel{
		{testChannel("messaging:a", 3*time.Hour), testChannel("messaging:b", 2*time.Hour)},
		{testChannel("messaging:c", time.Hour)},
	}}
	fx := newQueryFixture(t, NewMemoryRepository(), api, nil)
	ctx := context.Background()

	_, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 2})
	require.NoError(t, err)
	got, err := fx.logic.LoadMore(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"messaging:a", "messaging:b", "messaging:c"}, cidsOf(got))
	assert.Equal(t, 3, fx.logic.State().ChannelsOffset.Value())
	assert.True(t, fx.logic.State().EndOfChannels.Value())
	assert.False(t, fx.logic.State().LoadingMore.Value())

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[1].Offset)

	got, err = fx.logic.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, api.Requests(), 2, "no request once the end is reached")
}

func TestQueryOfflineRejectsConcurrentPage(t *testing.T) {
	repo := newBlockingRepo()
	fx := newQueryFixture(t, repo, nil, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := fx.logic.QueryOffline(ctx, Pagination{Limit: 10})
		done <- err
	}()
	<-repo.entered

	_, err := fx.logic.QueryOffline(ctx, Pagination{Limit: 10})
	assert.ErrorIs(t, err, ErrQueryInProgress)
	assert.Equal(t, 1, repo.Calls(), "a rejected page must not read the cache")

	close(repo.release)
	require.NoError(t, <-done)
}

func TestQueryOfflineServesCachedPage(t *testing.T) {
	repo := NewMemoryRepository()
	seedQuery(t, repo, In("members", "alice"), DefaultChannelSort,
		testChannel("messaging:old", time.Minute),
		testChannel("messaging:new", time.Hour),
		testChannel("messaging:mid", 30*time.Minute),
	)
	require.NoError(t, repo.InsertMessage(context.Background(), testMessage("m1", "messaging:new", "bob", time.Hour)))
	fx := newQueryFixture(t, repo, nil, nil)

	got, err := fx.logic.QueryOffline(context.Background(), Pagination{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging:new", "messaging:mid"}, cidsOf(got))
	assert.False(t, fx.logic.State().Loading.Value())
	assert.Equal(t, 2, fx.logic.State().ChannelsOffset.Value())

	cs, ok := fx.registry.ExistingChannel("messaging:new")
	require.True(t, ok, "cached channels are pushed into channel states")
	assert.Len(t, cs.SortedMessages(), 1)
}

func TestQueryOfflineEmptyCacheKeepsLoading(t *testing.T) {
	fx := newQueryFixture(t, NewMemoryRepository(), nil, nil)

	got, err := fx.logic.QueryOffline(context.Background(), Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, fx.logic.State().Loading.Value(), "network page is expected next")
}

func TestQueryChannelsOfflineNeedsRecovery(t *testing.T) {
	repo := NewMemoryRepository()
	seedQuery(t, repo, In("members", "alice"), DefaultChannelSort, testChannel("messaging:a", time.Minute))
	api := &fakeChannelAPI{}
	fx := newQueryFixture(t, repo, api, nil)
	fx.online.Store(false)

	got, err := fx.logic.QueryChannels(context.Background(), QueryChannelsRequest{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging:a"}, cidsOf(got))
	assert.True(t, fx.logic.State().RecoveryNeeded.Value())
	assert.False(t, fx.logic.State().Loading.Value())
	assert.Empty(t, api.Requests(), "offline queries never reach the network")
}

func TestQueryChannelsRemoteFailure(t *testing.T) {
	api := &fakeChannelAPI{err: &APIError{StatusCode: 503, Message: "unavailable"}}
	fx := newQueryFixture(t, NewMemoryRepository(), api, nil)

	_, err := fx.logic.QueryChannels(context.Background(), QueryChannelsRequest{Limit: 10})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Temporary())

	state := fx.logic.State()
	assert.True(t, state.RecoveryNeeded.Value())
	assert.Error(t, state.Err.Value())
	assert.False(t, state.Loading.Value())
}

func TestQueryChannelsFirstPageDropsNonMatching(t *testing.T) {
	repo := NewMemoryRepository()
	api := &fakeChannelAPI{pages: [][]Channel{
		{testChannel("messaging:a", time.Hour), testChannel("messaging:b", time.Minute)},
		{testChannel("messaging:a", time.Hour)},
	}}
	predicate := func(ctx context.Context, f Filter, cid string) (bool, error) {
		return cid != "messaging:b", nil
	}
	fx := newQueryFixture(t, repo, api, predicate)
	ctx := context.Background()

	_, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
	require.NoError(t, err)
	got, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, []string{"messaging:a"}, cidsOf(got))
	assert.Equal(t, 1, fx.logic.State().ChannelsOffset.Value())
	spec, err := repo.SelectQuerySpec(ctx, In("members", "alice"), DefaultChannelSort)
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging:a"}, spec.CIDs)
}

func TestQueryChannelsPredicateErrorKeepsChannel(t *testing.T) {
	api := &fakeChannelAPI{pages: [][]Channel{
		{testChannel("messaging:a", time.Hour), testChannel("messaging:b", time.Minute)},
		{testChannel("messaging:a", time.Hour)},
	}}
	predicate := func(ctx context.Context, f Filter, cid string) (bool, error) {
		return false, errors.New("rate limited")
	}
	fx := newQueryFixture(t, NewMemoryRepository(), api, predicate)
	ctx := context.Background()

	_, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
	require.NoError(t, err)
	got, err := fx.logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"messaging:a", "messaging:b"}, cidsOf(got))
}

func TestQueryChannelsHandleEvent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	fx := newQueryFixture(t, repo, nil, nil)

	added := testChannel("messaging:new", time.Hour)
	err := fx.logic.HandleEvent(ctx, &NotificationAddedToChannelEvent{
		EventHeader: EventHeader{Type: EventNotificationAddedToChannel},
		ChannelRef:  ChannelRef{CID: added.CID},
		Channel:     added,
		Member:      Member{User: User{ID: "alice"}},
	})
	require.NoError(t, err)
	assert.True(t, fx.logic.State().Contains("messaging:new"))

	spec, err := repo.SelectQuerySpec(ctx, In("members", "alice"), DefaultChannelSort)
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.True(t, spec.Contains("messaging:new"), "spec is persisted with the addition")

	err = fx.logic.HandleEvent(ctx, &ChannelDeletedEvent{
		EventHeader: EventHeader{Type: EventChannelDeleted},
		ChannelRef:  ChannelRef{CID: "messaging:new"},
	})
	require.NoError(t, err)
	assert.False(t, fx.logic.State().Contains("messaging:new"))
	spec, err = repo.SelectQuerySpec(ctx, In("members", "alice"), DefaultChannelSort)
	require.NoError(t, err)
	assert.False(t, spec.Contains("messaging:new"))
}

func TestQueryChannelsHandleEventRespectsPredicate(t *testing.T) {
	predicate := func(ctx context.Context, f Filter, cid string) (bool, error) { return false, nil }
	fx := newQueryFixture(t, NewMemoryRepository(), nil, predicate)

	err := fx.logic.HandleEvent(context.Background(), &NewMessageEvent{
		EventHeader: EventHeader{Type: EventMessageNew},
		ChannelRef:  ChannelRef{CID: "messaging:other"},
		Message:     testMessage("m1", "messaging:other", "bob", 0),
	})
	require.NoError(t, err)
	assert.False(t, fx.logic.State().Contains("messaging:other"))
}

// gatedChannelAPI holds QueryChannels until release is closed.
type gatedChannelAPI struct {
	*fakeChannelAPI
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChannelAPI) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeChannelAPI.QueryChannels(ctx, req)
}

func TestQueryChannelsHoldsLoadingUntilRemoteResult(t *testing.T) {
	repo := NewMemoryRepository()
	seedQuery(t, repo, In("members", "alice"), DefaultChannelSort, testChannel("messaging:cached", time.Minute))
	api := &gatedChannelAPI{
		fakeChannelAPI: &fakeChannelAPI{},
		entered:        make(chan struct{}, 2),
		release:        make(chan struct{}),
	}
	clock := newFakeClock()
	cfg := testConfig(clock, newFakeScheduler(clock))
	cfg.ChannelAPI = api
	registry := NewStateRegistry(repo, cfg.CurrentUser.ID, nil)
	logic := NewQueryChannelsLogic(In("members", "alice"), DefaultChannelSort, registry, repo, nil, cfg)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
		done <- err
	}()
	<-api.entered
	assert.True(t, logic.State().Loading.Value(), "the flag is held between the cache and the network")

	_, err := logic.QueryChannels(ctx, QueryChannelsRequest{Limit: 10})
	assert.ErrorIs(t, err, ErrQueryInProgress)

	close(api.release)
	require.NoError(t, <-done)
	assert.Len(t, api.Requests(), 1)
	assert.False(t, logic.State().Loading.Value())
}
