package chatsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// predicateParallelism bounds concurrent membership checks on a first page.
const predicateParallelism = 4

// QueryChannelsLogic answers channel list pages for one (filter, sort) query,
// first from the local cache and then from the remote service.
type QueryChannelsLogic struct {
	state    *QueryChannelsState
	registry *StateRegistry
	repo     Repository
	api      ChannelAPI
	online   func() bool

	predicate    ChannelFilterPredicate
	eventHandler ChatEventHandler

	currentUserID string
	clock         Clock
	logger        *zap.Logger
	metrics       *Metrics
	channelLimit  int
	messageLimit  int
	memberLimit   int

	// specMu serializes read-modify-write of the persisted query spec.
	specMu sync.Mutex
}

// NewQueryChannelsLogic wires the logic for the registry's state of
// (filter, sort). online may be nil, meaning always online.
func NewQueryChannelsLogic(filter Filter, sort QuerySort, registry *StateRegistry, repo Repository, online func() bool, cfg Config) *QueryChannelsLogic {
	cfg.defaults()
	if online == nil {
		online = func() bool { return true }
	}
	predicate := cfg.Predicate
	if predicate == nil {
		predicate = AlwaysMatch
	}
	return &QueryChannelsLogic{
		state:         registry.QueryChannels(filter, sort),
		registry:      registry,
		repo:          repo,
		api:           cfg.ChannelAPI,
		online:        online,
		predicate:     predicate,
		eventHandler:  &DefaultChatEventHandler{CurrentUserID: cfg.CurrentUser.ID, Predicate: predicate, Logger: cfg.Logger},
		currentUserID: cfg.CurrentUser.ID,
		clock:         cfg.Clock,
		logger:        cfg.Logger.With(zap.String("query", QuerySpecID(filter, sort))),
		metrics:       cfg.Metrics,
		channelLimit:  cfg.ChannelLimit,
		messageLimit:  cfg.MessageLimit,
		memberLimit:   cfg.MemberLimit,
	}
}

// State returns the reactive state the logic maintains.
func (l *QueryChannelsLogic) State() *QueryChannelsState { return l.state }

// SetChatEventHandler replaces the event strategy.
func (l *QueryChannelsLogic) SetChatEventHandler(h ChatEventHandler) { l.eventHandler = h }

func (l *QueryChannelsLogic) pageFlag(offset int) (*Observable[bool], string) {
	if offset == 0 {
		return l.state.Loading, "first"
	}
	return l.state.LoadingMore, "more"
}

// ============================================================================
// Offline page
// ============================================================================

// QueryOffline loads a page from the cached query spec. It returns
// ErrQueryInProgress without reading the cache when the same kind of page is
// already loading. The loading flag stays set when the cache had nothing, so
// the caller goes to the network next.
func (l *QueryChannelsLogic) QueryOffline(ctx context.Context, page Pagination) ([]Channel, error) {
	return l.queryOffline(ctx, page, false)
}

// queryOffline reads a cached page. With hold the loading flag is left set
// for the network call that follows.
func (l *QueryChannelsLogic) queryOffline(ctx context.Context, page Pagination, hold bool) ([]Channel, error) {
	flag, kind := l.pageFlag(page.Offset)
	if !CompareAndSet(flag, false, true) {
		l.metrics.QueryRejected.WithLabelValues(kind).Inc()
		l.logger.Debug("query_offline_rejected", zap.String("page", kind))
		return nil, ErrQueryInProgress
	}

	channels, err := l.selectCachedPage(ctx, page)
	if err != nil {
		flag.Set(false)
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	l.applyChannelStates(channels)
	l.addToState(channels)
	if !hold {
		flag.Set(false)
	}
	return channels, nil
}

func (l *QueryChannelsLogic) selectCachedPage(ctx context.Context, page Pagination) ([]Channel, error) {
	spec, err := l.repo.SelectQuerySpec(ctx, l.state.Filter(), l.state.Sort())
	if err != nil {
		return nil, fmt.Errorf("select query spec: %w", err)
	}
	if spec == nil || len(spec.CIDs) == 0 {
		return nil, nil
	}
	channels, err := l.repo.SelectChannels(ctx, spec.CIDs)
	if err != nil {
		return nil, fmt.Errorf("select cached channels: %w", err)
	}
	sortBy := l.state.Sort()
	if len(sortBy) == 0 {
		sortBy = DefaultChannelSort
	}
	sortBy.SortChannels(channels)

	if page.Offset >= len(channels) {
		return nil, nil
	}
	channels = channels[page.Offset:]
	if page.Limit > 0 && len(channels) > page.Limit {
		channels = channels[:page.Limit]
	}
	return channels, nil
}

// ============================================================================
// Online page
// ============================================================================

// QueryChannels runs a full page: cached channels first, then the remote
// call when online. The returned slice is the query's sorted channel list.
func (l *QueryChannelsLogic) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	req = l.withDefaults(req)
	l.state.CurrentRequest.Set(&req)

	if _, err := l.queryOffline(ctx, Pagination{Offset: req.Offset, Limit: req.Limit}, true); err != nil {
		return nil, err
	}

	flag, _ := l.pageFlag(req.Offset)
	if !l.online() || l.api == nil {
		flag.Set(false)
		l.state.RecoveryNeeded.Set(true)
		return l.state.SortedChannels(), nil
	}

	channels, err := l.api.QueryChannels(ctx, req)
	if err := l.OnQueryChannelsResult(ctx, req, channels, err); err != nil {
		return l.state.SortedChannels(), err
	}
	return l.state.SortedChannels(), err
}

// LoadMore requests the next page after the channels already shown.
func (l *QueryChannelsLogic) LoadMore(ctx context.Context) ([]Channel, error) {
	if l.state.EndOfChannels.Value() {
		return l.state.SortedChannels(), nil
	}
	req := QueryChannelsRequest{Filter: l.state.Filter(), Sort: l.state.Sort()}
	if cur := l.state.CurrentRequest.Value(); cur != nil {
		req = *cur
	}
	req.Offset = l.state.ChannelsOffset.Value()
	return l.QueryChannels(ctx, req)
}

func (l *QueryChannelsLogic) withDefaults(req QueryChannelsRequest) QueryChannelsRequest {
	req.Filter = l.state.Filter()
	req.Sort = l.state.Sort()
	if req.Limit == 0 {
		req.Limit = l.channelLimit
	}
	if req.MessageLimit == 0 {
		req.MessageLimit = l.messageLimit
	}
	if req.MemberLimit == 0 {
		req.MemberLimit = l.memberLimit
	}
	return req
}

// OnQueryChannelsResult applies the outcome of a remote query. A failure
// marks the query as needing recovery and records the error; the returned
// error only reports local persistence problems.
func (l *QueryChannelsLogic) OnQueryChannelsResult(ctx context.Context, req QueryChannelsRequest, channels []Channel, queryErr error) error {
	flag, _ := l.pageFlag(req.Offset)
	defer flag.Set(false)

	if queryErr != nil {
		l.metrics.QueryResults.WithLabelValues("failed").Inc()
		l.logger.Warn("query_channels_failed", zap.Int("offset", req.Offset), zap.Error(queryErr))
		l.state.RecoveryNeeded.Set(true)
		l.state.Err.Set(queryErr)
		return nil
	}
	l.metrics.QueryResults.WithLabelValues("success").Inc()
	l.state.EndOfChannels.Set(len(channels) < req.Limit)

	if err := l.storeResult(ctx, channels); err != nil {
		l.state.Err.Set(err)
		return err
	}
	l.applyChannelStates(channels)
	if err := l.updateOnlineChannels(ctx, req, channels); err != nil {
		l.state.Err.Set(err)
		return err
	}
	l.state.RecoveryNeeded.Set(false)
	l.state.Err.Set(nil)
	return nil
}

func (l *QueryChannelsLogic) storeResult(ctx context.Context, channels []Channel) error {
	if len(channels) == 0 {
		return nil
	}
	configs := make([]ChannelConfig, 0, len(channels))
	seen := make(map[string]struct{})
	for _, c := range channels {
		cfg := c.Config
		if cfg.Type == "" {
			cfg.Type = c.Type
		}
		if _, ok := seen[cfg.Type]; ok || cfg.Type == "" {
			continue
		}
		seen[cfg.Type] = struct{}{}
		configs = append(configs, cfg)
	}
	if err := l.repo.InsertChannelConfigs(ctx, configs); err != nil {
		return fmt.Errorf("persist channel configs: %w", err)
	}

	b := NewBatchBuilder()
	for _, c := range channels {
		b.AddToFetchChannels(c.CID)
	}
	batch, err := b.Build(ctx, l.repo, l.currentUserID, l.clock)
	if err != nil {
		return err
	}
	for _, c := range channels {
		batch.AddChannel(c)
	}
	if err := batch.Execute(ctx); err != nil {
		l.metrics.BatchFailures.Inc()
		return err
	}
	l.metrics.BatchCommits.Inc()
	return nil
}

// applyChannelStates pushes channel data into the per-channel states.
func (l *QueryChannelsLogic) applyChannelStates(channels []Channel) {
	for _, c := range channels {
		cs, err := l.registry.ChannelByCID(c.CID)
		if err != nil {
			l.logger.Warn("invalid_channel_cid", zap.String("cid", c.CID))
			continue
		}
		cs.SetChannel(c)
	}
}

// updateOnlineChannels merges a remote page into the query. On the first page
// listed channels missing from the result are re-checked with the predicate
// and dropped when they no longer match.
func (l *QueryChannelsLogic) updateOnlineChannels(ctx context.Context, req QueryChannelsRequest, channels []Channel) error {
	inResult := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		inResult[c.CID] = struct{}{}
	}

	var removed []string
	if req.IsFirstPage() {
		var ambiguous []string
		for cid := range l.state.Channels.Value() {
			if _, ok := inResult[cid]; !ok {
				ambiguous = append(ambiguous, cid)
			}
		}
		removed = l.filterNonMatching(ctx, ambiguous)
	}

	l.specMu.Lock()
	defer l.specMu.Unlock()
	spec, err := l.loadSpec(ctx)
	if err != nil {
		return err
	}
	spec = spec.WithoutCIDs(removed...)
	for _, c := range channels {
		spec = spec.WithCIDs(c.CID)
	}
	if err := l.repo.InsertQuerySpec(ctx, spec); err != nil {
		return fmt.Errorf("persist query spec: %w", err)
	}

	l.removeFromState(removed)
	l.addToState(l.stateChannels(channels))
	return nil
}

// filterNonMatching runs the predicate for each cid concurrently and returns
// those that definitely no longer match.
func (l *QueryChannelsLogic) filterNonMatching(ctx context.Context, cids []string) []string {
	if len(cids) == 0 {
		return nil
	}
	matches := make([]bool, len(cids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(predicateParallelism)
	for i, cid := range cids {
		i, cid := i, cid
		g.Go(func() error {
			ok, err := l.predicate(gctx, l.state.Filter(), cid)
			if err != nil {
				l.logger.Warn("channel_filter_predicate_failed", zap.String("cid", cid), zap.Error(err))
				ok = true
			}
			matches[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, cid := range cids {
		if !matches[i] {
			out = append(out, cid)
		}
	}
	return out
}

func (l *QueryChannelsLogic) loadSpec(ctx context.Context) (QueryChannelsSpec, error) {
	spec, err := l.repo.SelectQuerySpec(ctx, l.state.Filter(), l.state.Sort())
	if err != nil {
		return QueryChannelsSpec{}, fmt.Errorf("select query spec: %w", err)
	}
	if spec == nil {
		return NewQueryChannelsSpec(l.state.Filter(), l.state.Sort()), nil
	}
	return *spec, nil
}

// stateChannels prefers the registry's channel state, which already merged
// local messages, over the raw remote copy.
func (l *QueryChannelsLogic) stateChannels(channels []Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if cs, ok := l.registry.ExistingChannel(c.CID); ok {
			out = append(out, cs.ToChannel())
			continue
		}
		out = append(out, c)
	}
	return out
}

// addToState upserts channels and advances the offset by the number of
// channels that were not listed before.
func (l *QueryChannelsLogic) addToState(channels []Channel) {
	cur := l.state.Channels.Value()
	added := 0
	for _, c := range channels {
		if _, ok := cur[c.CID]; !ok {
			added++
		}
	}
	l.state.upsertChannels(channels)
	if added > 0 {
		l.state.ChannelsOffset.Update(func(n int) int { return n + added })
	}
}

func (l *QueryChannelsLogic) removeFromState(cids []string) {
	cur := l.state.Channels.Value()
	removed := 0
	for _, cid := range cids {
		if _, ok := cur[cid]; ok {
			removed++
		}
	}
	l.state.removeChannels(cids)
	if removed > 0 {
		l.state.ChannelsOffset.Update(func(n int) int {
			if n < removed {
				return 0
			}
			return n - removed
		})
	}
}

// ============================================================================
// Membership mutations
// ============================================================================

// AddChannels adds channels to the query. The query spec is persisted before
// the reactive list changes.
func (l *QueryChannelsLogic) AddChannels(ctx context.Context, channels ...Channel) error {
	if len(channels) == 0 {
		return nil
	}
	l.specMu.Lock()
	defer l.specMu.Unlock()
	spec, err := l.loadSpec(ctx)
	if err != nil {
		return err
	}
	for _, c := range channels {
		spec = spec.WithCIDs(c.CID)
	}
	if err := l.repo.InsertQuerySpec(ctx, spec); err != nil {
		return fmt.Errorf("persist query spec: %w", err)
	}
	l.addToState(l.stateChannels(channels))
	return nil
}

// RemoveChannels removes channels from the query. The query spec is persisted
// before the reactive list changes.
func (l *QueryChannelsLogic) RemoveChannels(ctx context.Context, cids ...string) error {
	if len(cids) == 0 {
		return nil
	}
	l.specMu.Lock()
	defer l.specMu.Unlock()
	spec, err := l.loadSpec(ctx)
	if err != nil {
		return err
	}
	spec = spec.WithoutCIDs(cids...)
	if err := l.repo.InsertQuerySpec(ctx, spec); err != nil {
		return fmt.Errorf("persist query spec: %w", err)
	}
	l.removeFromState(cids)
	return nil
}

// RefreshChannel re-reads a listed channel from its channel state.
func (l *QueryChannelsLogic) RefreshChannel(cid string) {
	refreshQueryChannel(l.state, l.registry, cid)
}

// refreshQueryChannel replaces a listed channel with its channel state's
// snapshot. Unlisted channels are left alone.
func refreshQueryChannel(qs *QueryChannelsState, registry *StateRegistry, cid string) {
	if !qs.Contains(cid) {
		return
	}
	cs, ok := registry.ExistingChannel(cid)
	if !ok {
		return
	}
	qs.upsertChannels([]Channel{cs.ToChannel()})
}

// ============================================================================
// Events
// ============================================================================

// HandleEvent lets the event strategy decide whether the event adds, removes
// or refreshes a channel in this query.
func (l *QueryChannelsLogic) HandleEvent(ctx context.Context, ev Event) error {
	d := l.eventHandler.HandleChatEvent(ctx, ev, l.state.Filter(), l.state.Contains)
	switch d.Result {
	case EventAdd:
		c, err := l.resolveChannel(ctx, d)
		if err != nil {
			return err
		}
		return l.AddChannels(ctx, c)
	case EventRemove:
		return l.RemoveChannels(ctx, d.CID)
	case EventRefresh:
		l.RefreshChannel(d.CID)
	}
	return nil
}

func (l *QueryChannelsLogic) resolveChannel(ctx context.Context, d HandlingDecision) (Channel, error) {
	if cs, ok := l.registry.ExistingChannel(d.CID); ok {
		return cs.ToChannel(), nil
	}
	if d.Channel != nil {
		return *d.Channel, nil
	}
	c, err := l.repo.SelectChannel(ctx, d.CID)
	if err != nil {
		return Channel{}, fmt.Errorf("load channel %s: %w", d.CID, err)
	}
	if c != nil {
		return *c, nil
	}
	if l.api != nil && l.online() {
		t, id, _ := SplitCID(d.CID)
		remote, err := l.api.QueryChannel(ctx, t, id)
		if err == nil {
			return remote, nil
		}
		l.logger.Warn("query_channel_failed", zap.String("cid", d.CID), zap.Error(err))
	}
	return NewChannel(d.CID), nil
}
