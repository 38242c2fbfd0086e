// Package tokens keeps the linked calendar account's access token fresh.
// A scheduler periodically asks the backend whether the token needs a
// refresh and performs one when it does, collapsing overlapping checks
// into a single in-flight operation.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/notify"
	"github.com/practicehq/tether/pkg/tether/o11y"
	"github.com/practicehq/tether/pkg/tether/rest"
)

// DefaultCheckInterval is how often the token status is verified.
const DefaultCheckInterval = 10 * time.Minute

const (
	statusPath  = "/api/auth/google/status"
	refreshPath = "/api/oauth/refresh"
)

// Status is the backend's report on the linked account token.
type Status struct {
	Connected    bool      `json:"connected"`
	NeedsRefresh bool      `json:"needsRefresh"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// State is a snapshot of the scheduler.
type State struct {
	Refreshing    bool
	LastCheckedAt time.Time
}

// PromptFunc asks the user to re-authenticate the linked account.
type PromptFunc func(message string)

// Scheduler drives periodic token checks. Create one with NewScheduler.
type Scheduler struct {
	client   *rest.Client
	logger   *zap.Logger
	notifier notify.Notifier
	prompt   PromptFunc
	interval time.Duration

	refreshCounter o11y.Counter

	cron        *cron.Cron
	inFlight    int32
	mu          sync.Mutex
	lastChecked time.Time
}

// Builder assembles a Scheduler.
type Builder struct {
	client   *rest.Client
	logger   *zap.Logger
	notifier notify.Notifier
	prompt   PromptFunc
	interval time.Duration
	metrics  o11y.MetricsProvider
}

// NewScheduler creates a Scheduler builder. A client is required.
func NewScheduler() *Builder {
	return &Builder{
		logger:   zap.NewNop(),
		notifier: notify.Nop{},
		interval: DefaultCheckInterval,
	}
}

func (b *Builder) WithClient(client *rest.Client) *Builder {
	b.client = client
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

// WithPrompt sets the re-authentication prompt shown when a refresh
// fails. Without one, the failure goes to the notifier instead.
func (b *Builder) WithPrompt(prompt PromptFunc) *Builder {
	b.prompt = prompt
	return b
}

func (b *Builder) WithInterval(interval time.Duration) *Builder {
	if interval > 0 {
		b.interval = interval
	}
	return b
}

func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metrics = provider
	return b
}

func (b *Builder) Build() (*Scheduler, error) {
	if b.client == nil {
		return nil, fmt.Errorf("client is required")
	}

	s := &Scheduler{
		client:   b.client,
		logger:   b.logger,
		notifier: b.notifier,
		prompt:   b.prompt,
		interval: b.interval,
	}
	if b.metrics != nil {
		s.refreshCounter = b.metrics.Counter("tether_token_refreshes_total")
	}
	return s, nil
}

// Start runs an immediate check and then schedules the periodic one.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.CheckNow(context.Background())
	}); err != nil {
		s.cron = nil
		return fmt.Errorf("schedule token check: %w", err)
	}
	s.cron.Start()

	go s.CheckNow(context.Background())

	s.logger.Info("token refresh scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the periodic check. An in-flight check finishes on its own.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
	s.logger.Info("token refresh scheduler stopped")
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Refreshing:    atomic.LoadInt32(&s.inFlight) == 1,
		LastCheckedAt: s.lastChecked,
	}
}

// CheckNow verifies the token status and refreshes when needed. Overlapping
// calls collapse: while one check is in flight, others return immediately.
// A failed refresh is reported to the user; the next attempt waits for the
// normal interval, there is no tighter retry loop here.
func (s *Scheduler) CheckNow(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.inFlight, 0, 1) {
		s.logger.Debug("token check already in flight, skipping")
		return nil
	}
	defer atomic.StoreInt32(&s.inFlight, 0)

	s.mu.Lock()
	s.lastChecked = time.Now()
	s.mu.Unlock()

	var status Status
	opts := &rest.RequestOptions{SkipRecovery: true}
	if err := s.client.DoJSON(ctx, "GET", statusPath, nil, &status, opts); err != nil {
		s.logger.Warn("token status check failed", zap.Error(err))
		return err
	}

	if !status.Connected || !status.NeedsRefresh {
		s.logger.Debug("token status ok",
			zap.Bool("connected", status.Connected),
			zap.Time("expiresAt", status.ExpiresAt))
		return nil
	}

	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) error {
	s.logger.Info("refreshing access token")

	opts := &rest.RequestOptions{SkipRecovery: true}
	if err := s.client.DoJSON(ctx, "POST", refreshPath, nil, nil, opts); err != nil {
		s.recordRefresh(ctx, "error")
		s.logger.Error("token refresh failed", zap.Error(err))
		if s.prompt != nil {
			s.prompt("Calendar connection expired. Please reconnect your account.")
		} else {
			s.notifier.Warning("Calendar connection expired. Please reconnect your account.")
		}
		return err
	}

	s.recordRefresh(ctx, "ok")
	s.logger.Info("access token refreshed")
	return nil
}

func (s *Scheduler) recordRefresh(ctx context.Context, result string) {
	if s.refreshCounter != nil {
		s.refreshCounter.Add(ctx, 1, o11y.Label{Key: "status", Value: result})
	}
}
