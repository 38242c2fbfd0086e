package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/practicehq/tether/pkg/tether/events"
	"github.com/practicehq/tether/pkg/tether/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// pushServer is an in-process WebSocket endpoint that records every
// message the manager sends and can push events back or drop connections.
type pushServer struct {
	t   *testing.T
	srv *httptest.Server

	rejectNext int32

	mu       sync.Mutex
	received []WireMessage
	conns    []*websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	s := &pushServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&s.rejectNext, -1) >= 0 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var msg WireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *pushServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *pushServer) rejectDials(n int) {
	atomic.StoreInt32(&s.rejectNext, int32(n))
}

// push sends an event to the most recently accepted connection.
func (s *pushServer) push(event string, data any) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	raw, err := json.Marshal(WireMessage{Event: event, Data: data})
	require.NoError(s.t, err)
	require.NoError(s.t, conn.Write(context.Background(), websocket.MessageText, raw))
}

// drop abruptly closes every accepted connection.
func (s *pushServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close(websocket.StatusInternalError, "dropped")
	}
	s.conns = nil
}

func (s *pushServer) events(name string) []WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WireMessage
	for _, msg := range s.received {
		if msg.Event == name {
			out = append(out, msg)
		}
	}
	return out
}

func buildManager(t *testing.T, s *pushServer, opts ...func(*ManagerBuilder)) *Manager {
	b := NewManager().
		WithURL(s.url()).
		WithLogger(zaptest.NewLogger(t)).
		WithAuth(Auth{TenantID: "practice-1", UserID: "user-1"}).
		WithInitialDelay(5 * time.Millisecond).
		WithMaxDelay(20 * time.Millisecond)
	for _, opt := range opts {
		opt(b)
	}
	m, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { m.Disconnect() })
	return m
}

func TestBuilderRequiresURL(t *testing.T) {
	_, err := NewManager().Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestBuilderDefaults(t *testing.T) {
	b := NewManager()
	assert.Equal(t, DefaultDialTimeout, b.dialTimeout)
	assert.Equal(t, DefaultInitialDelay, b.initialDelay)
	assert.Equal(t, DefaultMaxDelay, b.maxDelay)
	assert.Equal(t, DefaultMaxReconnects, b.maxReconnects)
	assert.True(t, b.reconnectEnabled)

	b.WithDialTimeout(0).WithInitialDelay(-time.Second).WithBackoffFactor(0.5)
	assert.Equal(t, DefaultDialTimeout, b.dialTimeout)
	assert.Equal(t, DefaultInitialDelay, b.initialDelay)
	assert.Equal(t, DefaultBackoffFactor, b.backoffFactor)
}

func TestStateEdges(t *testing.T) {
	assert.False(t, legalTransition(StateDisconnected, StateConnected))
	assert.False(t, legalTransition(StateDisconnected, StateReconnecting))
	assert.True(t, legalTransition(StateDisconnected, StateConnecting))
	assert.True(t, legalTransition(StateConnecting, StateConnected))
	assert.True(t, legalTransition(StateConnected, StateReconnecting))
	assert.True(t, legalTransition(StateReconnecting, StateConnected))
	assert.True(t, legalTransition(StateReconnecting, StateDisconnected))
}

func TestConnectSendsAuthHandshake(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	assert.Equal(t, StateDisconnected, m.State())
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())

	require.Eventually(t, func() bool {
		return len(s.events(EventAuth)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	auth := s.events(EventAuth)[0].Data.(map[string]any)
	assert.Equal(t, "practice-1", auth["tenantId"])
	assert.Equal(t, "user-1", auth["userId"])

	require.Error(t, m.Connect(context.Background()))

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestReconnectDelayBoundedAndNonDecreasing(t *testing.T) {
	m := &Manager{
		initialDelay:  time.Second,
		maxDelay:      10 * time.Second,
		backoffFactor: 2.0,
	}

	previous := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		delay := m.reconnectDelay(attempt)
		assert.GreaterOrEqual(t, delay, previous, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, 10*time.Second, "attempt %d", attempt)
		previous = delay
	}
	assert.Equal(t, time.Second, m.reconnectDelay(1))
	assert.Equal(t, 2*time.Second, m.reconnectDelay(2))
	assert.Equal(t, 10*time.Second, m.reconnectDelay(5))
	assert.Equal(t, 10*time.Second, m.reconnectDelay(10))
}

func TestGivesUpAfterMaxReconnects(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s, func(b *ManagerBuilder) {
		b.WithMaxReconnects(3)
	})

	var attempts int32
	m.On(events.ReconnectAttempt, func(ctx context.Context, payload any) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.rejectDials(1000)
	s.drop()

	require.Eventually(t, func() bool {
		return m.State() == StateDisconnected
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestEmitWhileDisconnectedQueuesThenFlushesOnce(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	require.NoError(t, m.Emit(context.Background(), events.AppointmentCreated, map[string]any{"id": "apt-1"}))
	require.Len(t, m.Pending(), 1)

	require.NoError(t, m.Connect(context.Background()))
	assert.Empty(t, m.Pending())

	require.Eventually(t, func() bool {
		return len(s.events(events.AppointmentCreated)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Stays sent exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.events(events.AppointmentCreated), 1)
}

func TestEmitQueuedAcrossReconnect(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s, func(b *ManagerBuilder) {
		// Slow the first reconnect down enough to emit while down.
		b.WithInitialDelay(200 * time.Millisecond)
	})

	require.NoError(t, m.Connect(context.Background()))
	s.drop()

	require.Eventually(t, func() bool {
		return m.State() == StateReconnecting
	}, 2*time.Second, time.Millisecond)

	// Queued while the channel is down; reconnection flushes it.
	require.NoError(t, m.Emit(context.Background(), events.ClientUpdated, map[string]any{"id": "c-2"}))

	require.Eventually(t, func() bool {
		return len(s.events(events.ClientUpdated)) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRoomsRejoinedOnReconnect(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.JoinTherapistRoom(context.Background(), "th-7"))
	require.NoError(t, m.JoinClientRoom(context.Background(), "c-3"))
	assert.Equal(t, []string{"therapist:th-7", "client:c-3"}, m.Rooms())

	require.Eventually(t, func() bool {
		return len(s.events(events.JoinTherapistRoom)) == 1 &&
			len(s.events(events.JoinClientRoom)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.drop()

	require.Eventually(t, func() bool {
		return len(s.events(events.JoinTherapistRoom)) == 2 &&
			len(s.events(events.JoinClientRoom)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, m.LeaveRoom(context.Background(), "client:c-3"))
	assert.Equal(t, []string{"therapist:th-7"}, m.Rooms())
	require.Eventually(t, func() bool {
		return len(s.events(events.LeaveRoom)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJoinRoomIsIdempotent(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	require.NoError(t, m.JoinTherapistRoom(context.Background(), "th-1"))
	require.NoError(t, m.JoinTherapistRoom(context.Background(), "th-1"))
	assert.Equal(t, []string{"therapist:th-1"}, m.Rooms())
}

func TestOnDeliversAndUnsubscribeIsIdempotent(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	delivered := make(chan any, 10)
	unsubscribe := m.On(events.SessionNoteUpdated, func(ctx context.Context, payload any) error {
		delivered <- payload
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.push(events.SessionNoteUpdated, map[string]any{"id": "n-1"})

	select {
	case payload := <-delivered:
		assert.Equal(t, map[string]any{"id": "n-1"}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe() // second call is a no-op

	s.push(events.SessionNoteUpdated, map[string]any{"id": "n-2"})
	select {
	case payload := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %v", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	var order []int
	record := func(n int) Handler {
		return func(ctx context.Context, payload any) error {
			order = append(order, n)
			return nil
		}
	}

	// A pattern handler registered first still runs after every
	// exact-name handler.
	m.OnPattern("client/+", record(100))
	for i := 0; i < 8; i++ {
		m.On(events.ClientUpdated, record(i))
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 100}
	for i := 0; i < 50; i++ {
		order = order[:0]
		m.dispatch(events.ClientUpdated, nil)
		require.Equal(t, want, order, "dispatch %d", i)
	}
}

func TestEmitWithCancelledContext(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	require.NoError(t, m.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Emit(ctx, events.ClientUpdated, map[string]any{"id": "c-1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.Pending())
}

func TestHandlerFaultsAreIsolated(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	delivered := make(chan struct{}, 3)
	m.On(events.ClientCreated, func(ctx context.Context, payload any) error {
		panic("handler bug")
	})
	m.On(events.ClientCreated, func(ctx context.Context, payload any) error {
		return fmt.Errorf("handler failed")
	})
	m.On(events.ClientCreated, func(ctx context.Context, payload any) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.push(events.ClientCreated, map[string]any{"id": "c-1"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler not invoked")
	}
}

func TestOnPatternMatchesDomainEvents(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	matched := make(chan any, 10)
	m.OnPattern("appointment/+", func(ctx context.Context, payload any) error {
		matched <- payload
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.push(events.AppointmentDeleted, map[string]any{"id": "apt-9"})
	s.push(events.UserActivity, map[string]any{"userId": "u-1"})

	select {
	case <-matched:
	case <-time.After(2 * time.Second):
		t.Fatal("pattern handler not invoked")
	}
	assert.Empty(t, matched)
}

func TestTransformPipelineFiltersInbound(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s, func(b *ManagerBuilder) {
		b.WithTransforms(transform.DropPattern("user/+"))
	})

	delivered := make(chan string, 10)
	m.OnPattern("#", func(ctx context.Context, payload any) error {
		if data, ok := payload.(map[string]any); ok {
			delivered <- data["id"].(string)
		}
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.push(events.UserActivity, map[string]any{"id": "dropped"})
	s.push(events.ClientCreated, map[string]any{"id": "kept"})

	select {
	case id := <-delivered:
		assert.Equal(t, "kept", id)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestLifecycleEventsOnReconnect(t *testing.T) {
	s := newPushServer(t)
	m := buildManager(t, s)

	var reconnects int32
	m.On(events.Reconnect, func(ctx context.Context, payload any) error {
		atomic.AddInt32(&reconnects, 1)
		return nil
	})

	require.NoError(t, m.Connect(context.Background()))
	s.drop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reconnects) == 1 && m.State() == StateConnected
	}, 5*time.Second, 5*time.Millisecond)
}
