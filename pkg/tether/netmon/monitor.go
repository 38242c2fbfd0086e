// Package netmon tracks whether the backend is reachable. It combines
// environment signals pushed in by the embedding application with a
// periodic liveness probe against the health endpoint, and fans state
// transitions out to subscribers.
package netmon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/notify"
	"github.com/practicehq/tether/pkg/tether/o11y"
)

// DefaultProbeInterval is how often the liveness probe runs.
const DefaultProbeInterval = 30 * time.Second

// ProbeFunc checks backend liveness. A nil return means reachable.
type ProbeFunc func(ctx context.Context) error

// Listener is notified synchronously on every online/offline transition.
type Listener func(online bool)

// HTTPProbe returns a ProbeFunc that issues GET {baseURL}/api/health and
// treats any 2xx response as alive.
func HTTPProbe(baseURL string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
		if err != nil {
			return fmt.Errorf("build health request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health probe: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health probe: status %d", resp.StatusCode)
		}
		return nil
	}
}

// Monitor tracks online/offline state. Transitions fire listeners exactly
// once, in subscription order. Going offline requires two consecutive
// failed probes while online (flap damping); any success flips online
// immediately.
type Monitor struct {
	logger   *zap.Logger
	notifier notify.Notifier
	probe    ProbeFunc
	interval time.Duration

	cron *cron.Cron

	mu        sync.Mutex
	online    bool
	suspect   bool // one probe failed while online, next failure goes offline
	nextID    int
	listeners []subscription

	probeCounter o11y.Counter
}

type subscription struct {
	id int
	fn Listener
}

// Builder assembles a Monitor.
type Builder struct {
	logger   *zap.Logger
	notifier notify.Notifier
	probe    ProbeFunc
	interval time.Duration
	metrics  o11y.MetricsProvider
}

// NewMonitor creates a Monitor builder. A probe is required.
func NewMonitor() *Builder {
	return &Builder{
		logger:   zap.NewNop(),
		notifier: notify.Nop{},
		interval: DefaultProbeInterval,
	}
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

func (b *Builder) WithProbe(probe ProbeFunc) *Builder {
	b.probe = probe
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

func (b *Builder) Build() (*Monitor, error) {
	if b.probe == nil {
		return nil, fmt.Errorf("probe is required")
	}

	m := &Monitor{
		logger:   b.logger,
		notifier: b.notifier,
		probe:    b.probe,
		interval: b.interval,
		online:   true, // assume reachable until a probe says otherwise
	}
	if b.metrics != nil {
		m.probeCounter = b.metrics.Counter("tether_probe_results_total")
	}
	return m, nil
}

// Start runs an immediate probe and then schedules the periodic one.
func (m *Monitor) Start() error {
	if m.cron != nil {
		return fmt.Errorf("monitor already started")
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.interval), func() {
		m.ProbeNow(context.Background())
	}); err != nil {
		m.cron = nil
		return fmt.Errorf("schedule probe: %w", err)
	}
	m.cron.Start()

	go m.ProbeNow(context.Background())

	m.logger.Info("network monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop halts the periodic probe. Subscriptions survive a restart.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	m.logger.Info("network monitor stopped")
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.listeners {
			if sub.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// SetOnline feeds an environment signal (for example an OS interface-change
// notification) directly into the monitor, bypassing the debounce.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.suspect = false
	m.transitionLocked(online)
}

// ProbeNow runs one probe immediately and applies the result.
func (m *Monitor) ProbeNow(ctx context.Context) bool {
	err := m.probe(ctx)

	m.mu.Lock()
	if err == nil {
		m.recordProbe(ctx, "ok")
		m.suspect = false
		m.transitionLocked(true)
		return true
	}

	m.recordProbe(ctx, "failed")
	m.logger.Debug("liveness probe failed", zap.Error(err))

	if !m.online {
		// already offline, nothing to confirm
		m.mu.Unlock()
		return false
	}
	if !m.suspect {
		// first failure while online: hold state, require confirmation
		m.suspect = true
		m.mu.Unlock()
		return true
	}
	m.suspect = false
	m.transitionLocked(false)
	return false
}

// transitionLocked applies a state change and notifies. It is entered with
// m.mu held and releases it before invoking listeners, so a listener may
// call back into the monitor.
func (m *Monitor) transitionLocked(online bool) {
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		m.logger.Info("network transition", zap.String("state", "online"))
		m.notifier.Success("Connection restored")
	} else {
		m.logger.Warn("network transition", zap.String("state", "offline"))
		m.notifier.Warning("Connection issue — check your internet")
	}

	for _, sub := range listeners {
		sub.fn(online)
	}
}

func (m *Monitor) recordProbe(ctx context.Context, result string) {
	if m.probeCounter != nil {
		m.probeCounter.Add(ctx, 1, o11y.Label{Key: "result", Value: result})
	}
}
