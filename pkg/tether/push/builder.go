package push

import (
	"fmt"
	"time"

	"github.com/practicehq/tether/pkg/tether/notify"
	"github.com/practicehq/tether/pkg/tether/o11y"
	"github.com/practicehq/tether/pkg/tether/transform"
	"go.uber.org/zap"
)

const (
	// DefaultDialTimeout bounds the WebSocket handshake.
	DefaultDialTimeout = 20 * time.Second

	// DefaultInitialDelay is the wait before the first reconnect attempt.
	DefaultInitialDelay = 1 * time.Second

	// DefaultMaxDelay caps the wait between reconnect attempts.
	DefaultMaxDelay = 10 * time.Second

	// DefaultBackoffFactor multiplies the reconnect delay after each
	// failed attempt.
	DefaultBackoffFactor = 2.0

	// DefaultMaxReconnects is how many reconnect attempts are made before
	// the channel gives up and settles in StateDisconnected.
	DefaultMaxReconnects = 10

	defaultWriteChannelSize = 100
)

// ManagerBuilder configures a push-channel Manager.
type ManagerBuilder struct {
	url              string
	auth             Auth
	logger           *zap.Logger
	notifier         notify.Notifier
	dialTimeout      time.Duration
	writeChannelSize int
	transforms       []transform.Func
	metrics          o11y.MetricsProvider

	reconnectEnabled bool
	initialDelay     time.Duration
	maxDelay         time.Duration
	backoffFactor    float64
	maxReconnects    int
}

// NewManager creates a builder with the standard reconnect policy.
func NewManager() *ManagerBuilder {
	return &ManagerBuilder{
		logger:           zap.NewNop(),
		notifier:         notify.Nop{},
		dialTimeout:      DefaultDialTimeout,
		writeChannelSize: defaultWriteChannelSize,
		reconnectEnabled: true,
		initialDelay:     DefaultInitialDelay,
		maxDelay:         DefaultMaxDelay,
		backoffFactor:    DefaultBackoffFactor,
		maxReconnects:    DefaultMaxReconnects,
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *ManagerBuilder) WithURL(url string) *ManagerBuilder {
	b.url = url
	return b
}

// WithAuth sets the tenant and user identity sent in the handshake.
func (b *ManagerBuilder) WithAuth(auth Auth) *ManagerBuilder {
	b.auth = auth
	return b
}

// WithLogger sets the logger for the manager.
func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithNotifier sets the sink for user-visible connection notifications.
func (b *ManagerBuilder) WithNotifier(notifier notify.Notifier) *ManagerBuilder {
	if notifier != nil {
		b.notifier = notifier
	}
	return b
}

// WithDialTimeout bounds the WebSocket handshake.
func (b *ManagerBuilder) WithDialTimeout(timeout time.Duration) *ManagerBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithWriteChannelSize sets the buffer size of the internal write channel.
func (b *ManagerBuilder) WithWriteChannelSize(size int) *ManagerBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithTransforms sets the pipeline applied to inbound events before they
// reach subscribers. Transforms run in order; a drop stops delivery.
func (b *ManagerBuilder) WithTransforms(transforms ...transform.Func) *ManagerBuilder {
	b.transforms = append(b.transforms, transforms...)
	return b
}

// WithMetrics sets the metrics provider.
func (b *ManagerBuilder) WithMetrics(provider o11y.MetricsProvider) *ManagerBuilder {
	b.metrics = provider
	return b
}

// WithReconnectEnabled turns automatic reconnection on or off.
func (b *ManagerBuilder) WithReconnectEnabled(enabled bool) *ManagerBuilder {
	b.reconnectEnabled = enabled
	return b
}

// WithInitialDelay sets the wait before the first reconnect attempt.
func (b *ManagerBuilder) WithInitialDelay(delay time.Duration) *ManagerBuilder {
	if delay > 0 {
		b.initialDelay = delay
	}
	return b
}

// WithMaxDelay caps the wait between reconnect attempts.
func (b *ManagerBuilder) WithMaxDelay(delay time.Duration) *ManagerBuilder {
	if delay > 0 {
		b.maxDelay = delay
	}
	return b
}

// WithBackoffFactor sets the multiplier applied to the reconnect delay
// after each failed attempt. Must be at least 1.
func (b *ManagerBuilder) WithBackoffFactor(factor float64) *ManagerBuilder {
	if factor >= 1 {
		b.backoffFactor = factor
	}
	return b
}

// WithMaxReconnects sets how many reconnect attempts are made before the
// channel gives up.
func (b *ManagerBuilder) WithMaxReconnects(attempts int) *ManagerBuilder {
	if attempts > 0 {
		b.maxReconnects = attempts
	}
	return b
}

// IsValid checks that all required configuration is present.
func (b *ManagerBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}
	return nil
}

// Build creates the Manager. The returned manager is idle until Connect
// is called.
func (b *ManagerBuilder) Build() (*Manager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	metrics := b.metrics
	if metrics == nil {
		metrics = o11y.NopMetrics{}
	}

	m := &Manager{
		url:              b.url,
		auth:             b.auth,
		logger:           b.logger,
		notifier:         b.notifier,
		dialTimeout:      b.dialTimeout,
		writeChannelSize: b.writeChannelSize,
		pipeline:         transform.Chain(b.transforms...),
		hasPipeline:      len(b.transforms) > 0,
		reconnectEnabled: b.reconnectEnabled,
		initialDelay:     b.initialDelay,
		maxDelay:         b.maxDelay,
		backoffFactor:    b.backoffFactor,
		maxReconnects:    b.maxReconnects,
		state:            StateDisconnected,
		handlers:         make(map[string][]handlerEntry),
		reconnectCounter: metrics.Counter("tether_push_reconnect_attempts_total"),
		eventsCounter:    metrics.Counter("tether_push_events_total"),
	}

	return m, nil
}
