package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the event feed.
type RealtimeConfig struct {
	Token                string
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	// MaxBatch caps how many buffered events are folded into one batch.
	MaxBatch int
	Logger   *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 100
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// EventSink consumes decoded events and connectivity changes. *Session
// implements it.
type EventSink interface {
	HandleEvents(ctx context.Context, events ...Event) error
	SetOnline(online bool)
}

var _ EventSink = (*Session)(nil)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient reads the server's event feed over a WebSocket, decodes
// each frame and hands the events to a sink in batches. Events buffered
// while a batch is applied are folded into the next one.
type RealtimeClient struct {
	baseURL string
	config  RealtimeConfig
	sink    EventSink
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectCancel  context.CancelFunc
	connectionID     string
	recon            *reconnector

	state  *Observable[RealtimeState]
	events chan Event
	wg     sync.WaitGroup
}

// NewRealtimeClient creates a disconnected client feeding sink.
func NewRealtimeClient(baseURL string, sink EventSink, config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		sink:    sink,
		logger:  config.Logger,
		recon:   newReconnector(&config),
		state:   NewObservable(StateDisconnected),
		events:  make(chan Event, config.MaxBatch),
	}
}

// State returns the connection state container.
func (rt *RealtimeClient) State() *Observable[RealtimeState] { return rt.state }

// ConnectionID returns the id the server assigned on the last connect.
func (rt *RealtimeClient) ConnectionID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.connectionID
}

func (rt *RealtimeClient) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	params := url.Values{}
	if rt.config.Token != "" {
		params.Set("authorization", rt.config.Token)
	}
	if rt.config.UserID != "" {
		params.Set("user_id", rt.config.UserID)
	}
	return u + "/connect?" + params.Encode()
}

// Connect dials the feed and waits for the server's first health check. The
// sink is marked online once the connection is established. ctx bounds the
// dial and handshake only; the connection lives until Disconnect.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	s := rt.state.Value()
	if s == StateConnected || s == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state.Set(StateConnecting)
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		rt.state.Set(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.state.Set(StateDisconnected)
		return fmt.Errorf("read connect event: %w", err)
	}
	ev, err := DecodeEvent(data)
	health, ok := ev.(*HealthEvent)
	if err != nil || !ok {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.state.Set(StateDisconnected)
		return fmt.Errorf("expected %q as first event, got %s", EventHealthCheck, string(data))
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.mu.Lock()
	if ctx.Err() != nil || rt.intentionalClose {
		rt.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		rt.state.Set(StateDisconnected)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("connect aborted: %w", err)
		}
		return errors.New("connect aborted: client disconnected")
	}
	rt.conn = conn
	rt.cancelFn = cancel
	rt.connectionID = health.ConnectionID
	rt.mu.Unlock()
	rt.recon.markConnected()
	rt.state.Set(StateConnected)
	rt.logger.Info("realtime_connected", zap.String("connection_id", health.ConnectionID))
	rt.sink.SetOnline(true)

	rt.wg.Add(3)
	go rt.readLoop(connCtx, conn)
	go rt.batchLoop(connCtx)
	go rt.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection without reconnecting and marks the sink
// offline.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.reconnectCancel != nil {
		rt.reconnectCancel()
		rt.reconnectCancel = nil
	}
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.wg.Wait()
	rt.state.Set(StateDisconnected)
	rt.sink.SetOnline(false)
	return err
}

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer rt.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.onReadError(ctx, err)
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			rt.logger.Warn("realtime_decode_failed", zap.Error(err))
			continue
		}
		if _, ok := ev.(*HealthEvent); ok {
			continue
		}
		select {
		case rt.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (rt *RealtimeClient) onReadError(ctx context.Context, err error) {
	rt.mu.Lock()
	intentional := rt.intentionalClose
	if !intentional {
		rt.conn = nil
		if rt.cancelFn != nil {
			rt.cancelFn()
			rt.cancelFn = nil
		}
	}
	rt.mu.Unlock()
	if intentional {
		return
	}

	rt.state.Set(StateDisconnected)
	rt.sink.SetOnline(false)
	rt.logger.Warn("realtime_disconnected", zap.Error(err))

	if !rt.config.AutoReconnect || !rt.recon.shouldReconnect() {
		return
	}
	rctx, rcancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		rcancel()
		return
	}
	rt.reconnectCancel = rcancel
	rt.wg.Add(1)
	rt.mu.Unlock()
	go rt.scheduleReconnect(rctx, rcancel)
}

// batchLoop hands events to the sink, draining whatever is already buffered
// into the same batch.
func (rt *RealtimeClient) batchLoop(ctx context.Context) {
	defer rt.wg.Done()
	for {
		var first Event
		select {
		case <-ctx.Done():
			return
		case first = <-rt.events:
		}

		batch := []Event{first}
	drain:
		for len(batch) < rt.config.MaxBatch {
			select {
			case ev := <-rt.events:
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		if err := rt.sink.HandleEvents(ctx, batch...); err != nil {
			rt.logger.Error("realtime_batch_failed", zap.Int("events", len(batch)), zap.Error(err))
		}
	}
}

func (rt *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer rt.wg.Done()
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.sendHealthCheck(ctx, conn); err != nil {
				rt.logger.Warn("realtime_heartbeat_failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *RealtimeClient) sendHealthCheck(ctx context.Context, conn *websocket.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, rt.config.HeartbeatTimeout)
	defer cancel()
	data, err := json.Marshal(map[string]string{
		"type":          EventHealthCheck,
		"connection_id": rt.ConnectionID(),
	})
	if err != nil {
		return err
	}
	if err := conn.Write(hctx, websocket.MessageText, data); err != nil {
		return err
	}
	return conn.Ping(hctx)
}

func (rt *RealtimeClient) scheduleReconnect(ctx context.Context, cancel context.CancelFunc) {
	defer rt.wg.Done()
	defer cancel()
	for {
		delay := rt.recon.nextDelay()
		rt.state.Set(StateReconnecting)
		rt.logger.Info("realtime_reconnecting", zap.Int("attempt", rt.recon.attempt), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			rt.state.Set(StateDisconnected)
			return
		case <-t.C:
		}

		rt.mu.Lock()
		intentional := rt.intentionalClose
		rt.mu.Unlock()
		if intentional {
			return
		}

		err := rt.Connect(ctx)
		if err == nil {
			return
		}
		rt.logger.Warn("realtime_reconnect_failed", zap.Error(err))
		if !rt.config.AutoReconnect || !rt.recon.shouldReconnect() {
			rt.state.Set(StateDisconnected)
			return
		}
	}
}
