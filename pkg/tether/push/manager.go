// Package push maintains the persistent event channel between the client
// and the server: a WebSocket connection with automatic reconnection, room
// subscriptions that survive reconnects, and an outbound queue for events
// emitted while the channel is down.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/practicehq/tether/pkg/tether/events"
	"github.com/practicehq/tether/pkg/tether/notify"
	"github.com/practicehq/tether/pkg/tether/o11y"
	"github.com/practicehq/tether/pkg/tether/transform"
	"go.uber.org/zap"
)

// Handler receives a push event. For each event, exact-name handlers run
// first in registration order, then pattern handlers in registration
// order, each in isolation: a panic or error in one handler is logged
// and never prevents delivery to the others.
type Handler func(ctx context.Context, payload any) error

// UnsubscribeFunc removes a handler. Calling it more than once is safe;
// only the first call has any effect.
type UnsubscribeFunc func()

type roomEntry struct {
	name      string
	joinEvent string
	data      any
}

type handlerEntry struct {
	id int
	fn Handler
}

type patternEntry struct {
	id      int
	pattern string
	fn      Handler
}

// Manager owns the push channel. Create one with NewManager, register
// handlers with On or OnPattern, then call Connect. All methods are safe
// for concurrent use.
type Manager struct {
	url              string
	auth             Auth
	logger           *zap.Logger
	notifier         notify.Notifier
	dialTimeout      time.Duration
	writeChannelSize int
	pipeline         transform.Func
	hasPipeline      bool

	reconnectEnabled bool
	initialDelay     time.Duration
	maxDelay         time.Duration
	backoffFactor    float64
	maxReconnects    int

	reconnectCounter o11y.Counter
	eventsCounter    o11y.Counter

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	generation int
	runCtx     context.Context
	runCancel  context.CancelFunc
	writeCh    chan []byte

	handlers      map[string][]handlerEntry
	patterns      []patternEntry
	nextHandlerID int

	rooms    []roomEntry
	outbound []OutboundMessage
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the push channel. The context governs the lifetime
// of the connection and any reconnect attempts; cancelling it is
// equivalent to Disconnect. If the initial dial fails and reconnection is
// enabled, the manager keeps trying in the background and the error is
// also surfaced through the connect_error event.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("push channel is already %s", m.state)
	}
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.dial(); err != nil {
		m.dispatchLifecycle(events.ConnectError, err.Error())
		m.mu.Lock()
		if m.reconnectEnabled {
			m.setStateLocked(StateReconnecting)
			m.mu.Unlock()
			go m.reconnectLoop()
		} else {
			m.setStateLocked(StateDisconnected)
			m.mu.Unlock()
		}
		return err
	}

	m.dispatchLifecycle(events.Connect, nil)
	return nil
}

// Disconnect closes the push channel and stops any reconnect attempts.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	if m.conn != nil {
		m.conn.Close(websocket.StatusNormalClosure, "client disconnect")
		m.conn = nil
	}
	m.generation++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.dispatchLifecycle(events.Disconnect, nil)
	return nil
}

// On registers a handler for an exact event name and returns its
// unsubscribe function. The registry entry for a name is removed once its
// last handler is unsubscribed.
func (m *Manager) On(event string, fn Handler) UnsubscribeFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHandlerID++
	id := m.nextHandlerID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[event]
		for i, entry := range entries {
			if entry.id == id {
				entries = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(entries) == 0 {
			delete(m.handlers, event)
		} else {
			m.handlers[event] = entries
		}
	}
}

// OnPattern registers a handler for every event whose name matches an
// MQTT-style pattern, with ":" treated as a segment separator (the
// pattern "appointment/+" matches "appointment:created").
func (m *Manager) OnPattern(pattern string, fn Handler) UnsubscribeFunc {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHandlerID++
	id := m.nextHandlerID
	m.patterns = append(m.patterns, patternEntry{id: id, pattern: pattern, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.patterns {
			if entry.id == id {
				m.patterns = append(m.patterns[:i], m.patterns[i+1:]...)
				return
			}
		}
	}
}

// Emit sends a named event to the server. While the channel is not
// connected the event is queued and flushed, in order, on the next
// successful connect.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitLocked(ctx, event, payload)
}

func (m *Manager) emitLocked(ctx context.Context, event string, payload any) error {
	if m.state != StateConnected {
		m.outbound = append(m.outbound, OutboundMessage{Event: event, Data: payload})
		m.logger.Debug("push channel not connected, event queued",
			zap.String("event", event),
			zap.Int("queued", len(m.outbound)))
		return nil
	}

	data, err := json.Marshal(WireMessage{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal event %q: %w", event, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case m.writeCh <- data:
		return nil
	default:
		return fmt.Errorf("push channel write buffer is full")
	}
}

// Pending returns a snapshot of the events queued while disconnected.
func (m *Manager) Pending() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.outbound))
	copy(out, m.outbound)
	return out
}

// JoinTherapistRoom subscribes to events scoped to a therapist. The room
// is re-joined automatically after every reconnect.
func (m *Manager) JoinTherapistRoom(ctx context.Context, therapistID string) error {
	return m.joinRoom(ctx, "therapist:"+therapistID, events.JoinTherapistRoom, therapistID)
}

// JoinClientRoom subscribes to events scoped to one client record.
func (m *Manager) JoinClientRoom(ctx context.Context, clientID string) error {
	return m.joinRoom(ctx, "client:"+clientID, events.JoinClientRoom, clientID)
}

// JoinAppointmentRoom subscribes to events scoped to one appointment.
func (m *Manager) JoinAppointmentRoom(ctx context.Context, appointmentID string) error {
	return m.joinRoom(ctx, "appointment:"+appointmentID, events.JoinAppointmentRoom, appointmentID)
}

func (m *Manager) joinRoom(ctx context.Context, name, joinEvent string, data any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, room := range m.rooms {
		if room.name == name {
			return nil
		}
	}
	m.rooms = append(m.rooms, roomEntry{name: name, joinEvent: joinEvent, data: data})

	if m.state != StateConnected {
		return nil
	}
	return m.emitLocked(ctx, joinEvent, data)
}

// LeaveRoom unsubscribes from a room previously joined.
func (m *Manager) LeaveRoom(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for i, room := range m.rooms {
		if room.name == name {
			m.rooms = append(m.rooms[:i], m.rooms[i+1:]...)
			found = true
			break
		}
	}
	if !found || m.state != StateConnected {
		return nil
	}
	return m.emitLocked(ctx, events.LeaveRoom, name)
}

// Rooms returns the names of the rooms currently joined.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.rooms))
	for i, room := range m.rooms {
		names[i] = room.name
	}
	return names
}

// dial performs one connection attempt. On success it sends the auth
// handshake, re-joins rooms, flushes the outbound queue, and starts the
// read and write loops, leaving the manager in StateConnected.
func (m *Manager) dial() error {
	m.mu.Lock()
	runCtx := m.runCtx
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(runCtx, m.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.url, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.generation++
	gen := m.generation
	m.writeCh = make(chan []byte, m.writeChannelSize)

	// Handshake, room re-joins, and the queued backlog are written
	// directly, before the write loop starts, so each queued event is
	// removed only after its send is confirmed.
	handshake := []WireMessage{{Event: EventAuth, Data: m.auth}}
	for _, room := range m.rooms {
		handshake = append(handshake, WireMessage{Event: room.joinEvent, Data: room.data})
	}

	for _, msg := range handshake {
		if err := writeMessage(runCtx, conn, msg); err != nil {
			m.closeConnLocked()
			m.mu.Unlock()
			return fmt.Errorf("handshake: %w", err)
		}
	}

	for len(m.outbound) > 0 {
		next := m.outbound[0]
		err := writeMessage(runCtx, conn, WireMessage{Event: next.Event, Data: next.Data})
		if err != nil {
			m.closeConnLocked()
			m.mu.Unlock()
			return fmt.Errorf("flush queued event %q: %w", next.Event, err)
		}
		m.outbound = m.outbound[1:]
	}

	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info("push channel connected", zap.String("url", m.url))

	go m.readLoop(conn, gen)
	go m.writeLoop(conn, gen)

	return nil
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (m *Manager) closeConnLocked() {
	if m.conn != nil {
		m.conn.Close(websocket.StatusInternalError, "connection error")
		m.conn = nil
	}
	m.generation++
}

func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.handleTransportError(gen, err)
			}
			return
		}

		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("discarding malformed push message", zap.Error(err))
			continue
		}
		if msg.Event == "" {
			continue
		}
		m.eventsCounter.Add(ctx, 1, o11y.Label{Key: "event", Value: msg.Event})
		m.dispatchInbound(msg.Event, msg.Data)
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, gen int) {
	m.mu.Lock()
	ctx := m.runCtx
	writeCh := m.writeCh
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-writeCh:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if ctx.Err() == nil {
					m.handleTransportError(gen, err)
				}
				return
			}
		}
	}
}

// handleTransportError moves a dropped connection into reconnecting (or
// disconnected when reconnection is off). The generation check makes the
// two loops race-safe: only the first error for a given connection acts.
func (m *Manager) handleTransportError(gen int, err error) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.closeConnLocked()
	if m.reconnectEnabled {
		m.setStateLocked(StateReconnecting)
	} else {
		m.setStateLocked(StateDisconnected)
	}
	reconnecting := m.reconnectEnabled
	m.mu.Unlock()

	m.logger.Warn("push channel dropped", zap.Error(err))
	m.dispatchLifecycle(events.Disconnect, err.Error())

	if reconnecting {
		m.notifier.Warning("Live updates interrupted. Reconnecting...")
		go m.reconnectLoop()
	}
}

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// non-decreasing, multiplicative, capped at the configured maximum.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	delay := m.initialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * m.backoffFactor)
		if delay >= m.maxDelay {
			return m.maxDelay
		}
	}
	if delay > m.maxDelay {
		return m.maxDelay
	}
	return delay
}

func (m *Manager) reconnectLoop() {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()

	for attempt := 1; attempt <= m.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.reconnectDelay(attempt)):
		}

		m.mu.Lock()
		if m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.reconnectCounter.Add(ctx, 1)
		m.dispatchLifecycle(events.ReconnectAttempt, attempt)
		m.logger.Info("push channel reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max", m.maxReconnects))

		err := m.dial()
		if err == nil {
			m.notifier.Success("Live updates restored")
			m.dispatchLifecycle(events.Reconnect, attempt)
			m.dispatchLifecycle(events.Connect, nil)
			return
		}

		m.logger.Warn("push channel reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		m.dispatchLifecycle(events.ConnectError, err.Error())
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.logger.Error("push channel gave up reconnecting",
		zap.Int("attempts", m.maxReconnects))
	m.notifier.Error("Live updates unavailable. Refresh the page to try again.")
	m.dispatchLifecycle(events.Disconnect, "reconnect attempts exhausted")
}

func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	if !legalTransition(m.state, next) {
		m.logger.DPanic("illegal connection state transition",
			zap.String("from", m.state.String()),
			zap.String("to", next.String()))
		return
	}
	m.logger.Debug("connection state changed",
		zap.String("from", m.state.String()),
		zap.String("to", next.String()))
	m.state = next
}

// dispatchInbound runs the transform pipeline and fans the event out.
func (m *Manager) dispatchInbound(name string, payload any) {
	if m.hasPipeline {
		ev, _ := m.pipeline(&transform.Event{Name: name, Payload: payload})
		if ev == nil {
			return
		}
		name, payload = ev.Name, ev.Payload
	}
	m.dispatch(name, payload)
}

// dispatchLifecycle fans out locally generated lifecycle events, skipping
// the transform pipeline.
func (m *Manager) dispatchLifecycle(name string, payload any) {
	m.dispatch(name, payload)
}

func (m *Manager) dispatch(name string, payload any) {
	m.mu.Lock()
	ctx := m.runCtx
	var targets []Handler
	for _, entry := range m.handlers[name] {
		targets = append(targets, entry.fn)
	}
	for _, entry := range m.patterns {
		if transform.Matches(entry.pattern, name) {
			targets = append(targets, entry.fn)
		}
	}
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	for _, fn := range targets {
		m.invoke(ctx, fn, name, payload)
	}
}

// invoke runs one handler in isolation so a panicking or failing
// subscriber cannot block delivery to the rest.
func (m *Manager) invoke(ctx context.Context, fn Handler, name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("push event handler panicked",
				zap.String("event", name),
				zap.Any("panic", r))
		}
	}()
	if err := fn(ctx, payload); err != nil {
		m.logger.Warn("push event handler failed",
			zap.String("event", name),
			zap.Error(err))
	}
}
