package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/practicehq/tether/pkg/tether/apperror"
	"github.com/practicehq/tether/pkg/tether/netmon"
)

type spyNotifier struct {
	mu       sync.Mutex
	warnings []string
	errs     []string
}

func (n *spyNotifier) Info(string) {}
func (n *spyNotifier) Success(string) {}
func (n *spyNotifier) Warning(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, msg)
}
func (n *spyNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, msg)
}

func testMonitor(t *testing.T) *netmon.Monitor {
	t.Helper()
	m, err := netmon.NewMonitor().
		WithProbe(func(context.Context) error { return nil }).
		Build()
	require.NoError(t, err)
	return m
}

func TestHandleReturnsClassifiedError(t *testing.T) {
	c := NewCoordinator().WithLogger(zaptest.NewLogger(t)).Build()

	err := c.Handle(context.Background(), errors.New("dial tcp: connection refused"))
	var ae *apperror.AppError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperror.KindNetwork, ae.Kind)
}

func TestHandleNil(t *testing.T) {
	c := NewCoordinator().Build()
	assert.Nil(t, c.HandleWithContext(context.Background(), nil, nil))
}

func TestAuthTriggersLoginRedirect(t *testing.T) {
	var redirectedTo string
	notifier := &spyNotifier{}
	c := NewCoordinator().
		WithNotifier(notifier).
		WithLoginURL("/login").
		WithLoginRedirect(func(url string) { redirectedTo = url }).
		Build()

	ae := c.HandleWithContext(context.Background(), apperror.New(apperror.KindAuth, "session expired"), nil)
	assert.Equal(t, "/login", redirectedTo)
	assert.Equal(t, apperror.KindAuth, ae.Kind)
	assert.Contains(t, notifier.warnings, apperror.UserMessage(apperror.KindAuth))
}

func TestOAuthTriggersPrompt(t *testing.T) {
	var prompted string
	c := NewCoordinator().
		WithOAuthPrompt(func(msg string) { prompted = msg }).
		Build()

	c.HandleWithContext(context.Background(), apperror.New(apperror.KindOAuth, "token revoked"), nil)
	assert.Equal(t, apperror.UserMessage(apperror.KindOAuth), prompted)
}

func TestNetworkRegistersRetryOnReconnect(t *testing.T) {
	monitor := testMonitor(t)
	c := NewCoordinator().
		WithLogger(zaptest.NewLogger(t)).
		WithMonitor(monitor).
		Build()

	var retried int
	c.HandleWithContext(context.Background(), apperror.New(apperror.KindNetwork, "down"), &Context{
		Operation: "load dashboard",
		Retry:     func() error { retried++; return nil },
	})
	require.Equal(t, 1, c.PendingRetries())

	monitor.SetOnline(false)
	monitor.SetOnline(true)

	assert.Equal(t, 1, retried)
	assert.Zero(t, c.PendingRetries(), "retry is one-shot")

	// a second reconnect does not replay it again
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	assert.Equal(t, 1, retried)
}

func TestNetworkWithoutRetryDoesNotRegister(t *testing.T) {
	monitor := testMonitor(t)
	c := NewCoordinator().WithMonitor(monitor).Build()

	c.HandleWithContext(context.Background(), apperror.New(apperror.KindNetwork, "down"), nil)
	assert.Zero(t, c.PendingRetries())
}

func TestRateLimitSurfacesWaitTime(t *testing.T) {
	notifier := &spyNotifier{}
	c := NewCoordinator().WithNotifier(notifier).Build()

	e := apperror.New(apperror.KindRateLimit, "429")
	e.Context = map[string]any{"retryAfter": 7}
	e.UserMessage = apperror.RateLimitMessage(7)

	c.HandleWithContext(context.Background(), e, nil)
	require.Len(t, notifier.warnings, 1)
	assert.Contains(t, notifier.warnings[0], "7")
}

func TestFallbackAttachedFromContext(t *testing.T) {
	c := NewCoordinator().Build()

	cached := map[string]int{"appointments": 4}
	ae := c.HandleWithContext(context.Background(), apperror.New(apperror.KindDatabase, "db down"), &Context{
		Fallback: func() any { return cached },
	})

	require.NotNil(t, ae.Fallback)
	assert.Equal(t, cached, ae.Fallback())
}

func TestGenericKindsSurfaceErrors(t *testing.T) {
	notifier := &spyNotifier{}
	c := NewCoordinator().WithNotifier(notifier).Build()

	c.HandleWithContext(context.Background(), apperror.New(apperror.KindUnknown, "boom"), nil)
	c.HandleWithContext(context.Background(), apperror.New(apperror.KindPermission, "no"), nil)

	assert.Len(t, notifier.errs, 2)
}
