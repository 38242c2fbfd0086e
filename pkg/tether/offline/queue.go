// Package offline holds write requests issued while the backend is
// unreachable and replays them, strictly in enqueue order, once
// connectivity returns. The queue is persisted so it survives a client
// restart.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/kvstore"
	"github.com/practicehq/tether/pkg/tether/notify"
	"github.com/practicehq/tether/pkg/tether/o11y"
)

// MaxReplayAttempts is how many drains may fail for a single request
// before it is dropped and reported instead of retried forever.
const MaxReplayAttempts = 3

// QueuedRequest is one pending write. IDs embed the method and enqueue
// time and carry a random suffix; an ID is never reused once removed.
type QueuedRequest struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Sender replays one queued request against the backend.
type Sender func(ctx context.Context, req QueuedRequest) error

// DrainResult summarizes one replay pass.
type DrainResult struct {
	Replayed  int // sent successfully and removed
	Remaining int // failed but still within budget
	Dropped   int // exhausted their budget and were abandoned
}

// Queue is a durable FIFO of pending write requests.
type Queue struct {
	logger   *zap.Logger
	store    kvstore.Store
	notifier notify.Notifier

	mu    sync.Mutex
	items []QueuedRequest

	draining int32

	depthGauge    o11y.Gauge
	replayCounter o11y.Counter
}

// Builder assembles a Queue.
type Builder struct {
	logger   *zap.Logger
	store    kvstore.Store
	notifier notify.Notifier
	metrics  o11y.MetricsProvider
}

// NewQueue creates a Queue builder. A store is required.
func NewQueue() *Builder {
	return &Builder{
		logger:   zap.NewNop(),
		notifier: notify.Nop{},
	}
}

func (b *Builder) WithStore(store kvstore.Store) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	if n != nil {
		b.notifier = n
	}
	return b
}

func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metrics = provider
	return b
}

func (b *Builder) Build() (*Queue, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	q := &Queue{
		logger:   b.logger,
		store:    b.store,
		notifier: b.notifier,
	}
	if b.metrics != nil {
		q.depthGauge = b.metrics.Gauge("tether_offline_queue_depth")
		q.replayCounter = b.metrics.Counter("tether_offline_replayed_total")
	}
	return q, nil
}

// Restore loads the persisted queue from the store. Call once at startup.
func (q *Queue) Restore(ctx context.Context) error {
	raw, found, err := q.store.Get(ctx, kvstore.KeyOfflineQueue)
	if err != nil {
		return fmt.Errorf("restore offline queue: %w", err)
	}
	if !found {
		return nil
	}

	var items []QueuedRequest
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("decode offline queue: %w", err)
	}

	q.mu.Lock()
	q.items = items
	q.setDepthLocked(ctx)
	q.mu.Unlock()

	q.logger.Info("offline queue restored", zap.Int("pending", len(items)))
	return nil
}

// Enqueue appends a request and persists the queue. Returns the new id.
func (q *Queue) Enqueue(ctx context.Context, method, url string, payload json.RawMessage) (string, error) {
	req := QueuedRequest{
		ID:         fmt.Sprintf("%s-%d-%s", method, time.Now().UnixMilli(), uuid.NewString()[:8]),
		Method:     method,
		URL:        url,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, req)
	if err := q.persistLocked(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	q.setDepthLocked(ctx)

	q.logger.Info("request queued for replay",
		zap.String("id", req.ID),
		zap.String("method", method),
		zap.String("url", url),
	)
	return req.ID, nil
}

// Dequeue removes the request with the given id, if present.
func (q *Queue) Dequeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

// All returns the pending requests in enqueue order.
func (q *Queue) All() []QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedRequest, len(q.items))
	copy(out, q.items)
	return out
}

// Len reports the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain replays all pending requests in FIFO order. A request that fails
// increments its retry count; one that exhausts MaxReplayAttempts is
// dropped and reported. Overlapping drains collapse: a second caller
// returns immediately with a zero result.
func (q *Queue) Drain(ctx context.Context, send Sender) DrainResult {
	if !atomic.CompareAndSwapInt32(&q.draining, 0, 1) {
		return DrainResult{}
	}
	defer atomic.StoreInt32(&q.draining, 0)

	pending := q.All()
	if len(pending) == 0 {
		return DrainResult{}
	}

	q.notifier.Info(fmt.Sprintf("Syncing %d offline change(s)", len(pending)))

	var result DrainResult
	for _, req := range pending {
		err := send(ctx, req)
		if err == nil {
			if removeErr := q.Dequeue(ctx, req.ID); removeErr != nil {
				q.logger.Error("failed to remove replayed request", zap.String("id", req.ID), zap.Error(removeErr))
			}
			result.Replayed++
			q.recordReplay(ctx, "ok")
			continue
		}

		q.logger.Warn("offline replay failed",
			zap.String("id", req.ID),
			zap.String("url", req.URL),
			zap.Int("retryCount", req.RetryCount+1),
			zap.Error(err),
		)

		if req.RetryCount+1 >= MaxReplayAttempts {
			if removeErr := q.Dequeue(ctx, req.ID); removeErr != nil {
				q.logger.Error("failed to drop exhausted request", zap.String("id", req.ID), zap.Error(removeErr))
			}
			result.Dropped++
			q.recordReplay(ctx, "dropped")
			q.notifier.Error(fmt.Sprintf("Could not sync %s %s — change abandoned", req.Method, req.URL))
			continue
		}

		q.bumpRetry(ctx, req.ID)
		result.Remaining++
		q.recordReplay(ctx, "failed")
	}

	switch {
	case result.Remaining == 0 && result.Dropped == 0:
		q.notifier.Success(fmt.Sprintf("All %d offline change(s) synced", result.Replayed))
	case result.Remaining == 0:
		q.notifier.Warning(fmt.Sprintf("Sync finished: %d synced, %d abandoned", result.Replayed, result.Dropped))
	default:
		q.notifier.Warning(fmt.Sprintf("Sync incomplete: %d synced, %d still pending", result.Replayed, result.Remaining))
	}

	return result
}

func (q *Queue) bumpRetry(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].RetryCount++
			break
		}
	}
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("failed to persist offline queue", zap.Error(err))
	}
}

func (q *Queue) removeLocked(ctx context.Context, id string) error {
	for i, req := range q.items {
		if req.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.persistLocked(ctx); err != nil {
				return err
			}
			q.setDepthLocked(ctx)
			return nil
		}
	}
	return nil
}

func (q *Queue) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	if err := q.store.Put(ctx, kvstore.KeyOfflineQueue, data); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}

func (q *Queue) setDepthLocked(ctx context.Context) {
	if q.depthGauge != nil {
		q.depthGauge.Set(ctx, float64(len(q.items)))
	}
}

func (q *Queue) recordReplay(ctx context.Context, status string) {
	if q.replayCounter != nil {
		q.replayCounter.Add(ctx, 1, o11y.Label{Key: "status", Value: status})
	}
}
