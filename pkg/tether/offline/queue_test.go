package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/practicehq/tether/pkg/tether/kvstore"
)

type captureNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *captureNotifier) record(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *captureNotifier) Info(msg string)    { n.record(msg) }
func (n *captureNotifier) Success(msg string) { n.record(msg) }
func (n *captureNotifier) Warning(msg string) { n.record(msg) }
func (n *captureNotifier) Error(msg string)   { n.record(msg) }

func newQueue(t *testing.T, store kvstore.Store) *Queue {
	t.Helper()
	q, err := NewQueue().
		WithStore(store).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)
	return q
}

func TestBuilderRequiresStore(t *testing.T) {
	_, err := NewQueue().Build()
	assert.Error(t, err)
}

func TestEnqueueAssignsUniqueIDs(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kvstore.NewMemoryStore())

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id, err := q.Enqueue(ctx, "POST", "/api/clients", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
	assert.Equal(t, 20, q.Len())
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kvstore.NewMemoryStore())

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "POST", fmt.Sprintf("/api/notes/%d", i), nil)
		require.NoError(t, err)
	}

	all := q.All()
	require.Len(t, all, 5)
	for i, req := range all {
		assert.Equal(t, fmt.Sprintf("/api/notes/%d", i), req.URL)
	}
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()

	q := newQueue(t, store)
	id, err := q.Enqueue(ctx, "PUT", "/api/appointments/1", json.RawMessage(`{"status":"done"}`))
	require.NoError(t, err)

	// a fresh queue over the same store sees the persisted entries
	restored := newQueue(t, store)
	require.NoError(t, restored.Restore(ctx))
	all := restored.All()
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
	assert.Equal(t, "PUT", all[0].Method)
	assert.JSONEq(t, `{"status":"done"}`, string(all[0].Payload))
}

func TestDequeue(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kvstore.NewMemoryStore())

	id, err := q.Enqueue(ctx, "POST", "/api/clients", nil)
	require.NoError(t, err)

	require.NoError(t, q.Dequeue(ctx, id))
	assert.Zero(t, q.Len())

	// removing an unknown id is not an error
	assert.NoError(t, q.Dequeue(ctx, "nope"))
}

func TestDrainReplaysInOrderAndEmpties(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kvstore.NewMemoryStore())

	const k = 4
	for i := 0; i < k; i++ {
		_, err := q.Enqueue(ctx, "POST", fmt.Sprintf("/api/notes/%d", i), nil)
		require.NoError(t, err)
	}

	var replayed []string
	result := q.Drain(ctx, func(_ context.Context, req QueuedRequest) error {
		replayed = append(replayed, req.URL)
		return nil
	})

	assert.Equal(t, k, result.Replayed)
	assert.Zero(t, result.Remaining)
	assert.Zero(t, result.Dropped)
	assert.Zero(t, q.Len(), "queue must be empty after a fully successful drain")
	assert.Equal(t, []string{"/api/notes/0", "/api/notes/1", "/api/notes/2", "/api/notes/3"}, replayed)
}

func TestDrainKeepsFailedWithinBudget(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, kvstore.NewMemoryStore())

	_, err := q.Enqueue(ctx, "POST", "/api/clients", nil)
	require.NoError(t, err)

	result := q.Drain(ctx, func(context.Context, QueuedRequest) error {
		return errors.New("still down")
	})

	assert.Zero(t, result.Replayed)
	assert.Equal(t, 1, result.Remaining)
	require.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.All()[0].RetryCount)
}

func TestDrainDropsAfterBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	notifier := &captureNotifier{}
	q, err := NewQueue().
		WithStore(kvstore.NewMemoryStore()).
		WithLogger(zaptest.NewLogger(t)).
		WithNotifier(notifier).
		Build()
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "POST", "/api/clients", nil)
	require.NoError(t, err)

	fail := func(context.Context, QueuedRequest) error { return errors.New("no") }

	for i := 0; i < MaxReplayAttempts-1; i++ {
		result := q.Drain(ctx, fail)
		assert.Equal(t, 1, result.Remaining)
	}
	result := q.Drain(ctx, fail)
	assert.Equal(t, 1, result.Dropped)
	assert.Zero(t, q.Len(), "exhausted request must be dropped, not retried forever")

	var sawAbandoned bool
	for _, msg := range notifier.messages {
		if msg == "Could not sync POST /api/clients — change abandoned" {
			sawAbandoned = true
		}
	}
	assert.True(t, sawAbandoned)
}

func TestDrainMixedResults(t *testing.T) {
	ctx := context.Background()
	notifier := &captureNotifier{}
	q, err := NewQueue().
		WithStore(kvstore.NewMemoryStore()).
		WithNotifier(notifier).
		Build()
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "POST", "/api/ok", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "POST", "/api/bad", nil)
	require.NoError(t, err)

	result := q.Drain(ctx, func(_ context.Context, req QueuedRequest) error {
		if req.URL == "/api/bad" {
			return errors.New("rejected")
		}
		return nil
	})

	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, 1, q.Len())
	assert.Contains(t, notifier.messages[len(notifier.messages)-1], "Sync incomplete")
}

func TestDrainEmptyQueueIsSilent(t *testing.T) {
	notifier := &captureNotifier{}
	q, err := NewQueue().
		WithStore(kvstore.NewMemoryStore()).
		WithNotifier(notifier).
		Build()
	require.NoError(t, err)

	result := q.Drain(context.Background(), func(context.Context, QueuedRequest) error { return nil })
	assert.Zero(t, result.Replayed)
	assert.Empty(t, notifier.messages)
}
