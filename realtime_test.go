package chatsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	batches int
	online  []bool
}

func (s *recordingSink) HandleEvents(ctx context.Context, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func (s *recordingSink) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append(s.online, online)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSink) Online() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.online...)
}

// feedServer accepts one websocket, writes frames in order and then keeps
// reading until the client goes away.
func feedServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connect", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("authorization"))
		assert.Equal(t, "alice", r.URL.Query().Get("user_id"))
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRealtimeDeliversEvents(t *testing.T) {
	srv := feedServer(t,
		`{"type":"health.check","connection_id":"conn-1"}`,
		`{"type":"message.new","cid":"messaging:general","message":{"id":"m1","text":"hi","user":{"id":"bob"}}}`,
		`not json`,
		`{"type":"health.check","connection_id":"conn-1"}`,
		`{"type":"typing.start","cid":"messaging:general","user":{"id":"bob"}}`,
	)
	sink := &recordingSink{}
	rt := NewRealtimeClient(srv.URL, sink, RealtimeConfig{Token: "tok", UserID: "alice"})

	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, StateConnected, rt.State().Value())
	assert.Equal(t, "conn-1", rt.ConnectionID())

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := sink.Events()
	assert.IsType(t, &NewMessageEvent{}, events[0])
	assert.IsType(t, &TypingEvent{}, events[1])

	require.NoError(t, rt.Disconnect())
	assert.Equal(t, StateDisconnected, rt.State().Value())
	assert.Equal(t, []bool{true, false}, sink.Online())
}

func TestRealtimeRequiresHealthCheckFirst(t *testing.T) {
	srv := feedServer(t, `{"type":"message.new","cid":"messaging:general","message":{"id":"m1"}}`)
	sink := &recordingSink{}
	rt := NewRealtimeClient(srv.URL, sink, RealtimeConfig{Token: "tok", UserID: "alice"})

	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), EventHealthCheck)
	assert.Equal(t, StateDisconnected, rt.State().Value())
	assert.Empty(t, sink.Online())
}

func TestRealtimeWSURL(t *testing.T) {
	rt := NewRealtimeClient("https://chat.example.com/", &recordingSink{}, RealtimeConfig{Token: "t k", UserID: "alice"})
	assert.Equal(t, "wss://chat.example.com/connect?authorization=t+k&user_id=alice", rt.wsURL())
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})
	var delays []time.Duration
	for r.shouldReconnect() {
		delays = append(delays, r.nextDelay())
	}
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[2], 400*time.Millisecond)
	assert.LessOrEqual(t, delays[2], time.Second)
}

func TestRealtimeOutlivesConnectContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"health.check","connection_id":"conn-1"}`)); err != nil {
			return
		}
		// The first heartbeat arrives after the dial context is gone.
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		msg := `{"type":"message.new","cid":"messaging:general","message":{"id":"m1","user":{"id":"bob"}}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	rt := NewRealtimeClient(srv.URL, sink, RealtimeConfig{HeartbeatInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, rt.Connect(ctx))
	cancel()

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, rt.State().Value())
	require.NoError(t, rt.Disconnect())
}

func TestRealtimeDisconnectStopsReconnect(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"health.check","connection_id":"conn-1"}`))
		conn.Close(websocket.StatusGoingAway, "restart")
	}))
	t.Cleanup(srv.Close)

	sink := &recordingSink{}
	rt := NewRealtimeClient(srv.URL, sink, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: time.Hour,
		ReconnectMaxDelay:  time.Hour,
	})
	require.NoError(t, rt.Connect(context.Background()))
	require.Eventually(t, func() bool { return rt.State().Value() == StateReconnecting }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Disconnect())
	assert.Equal(t, StateDisconnected, rt.State().Value())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dials)
}
