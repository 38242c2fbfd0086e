// Package recovery maps classified failures to recovery actions: login
// redirects, re-auth prompts, retry-on-reconnect registration, rate-limit
// messaging, and cache fallbacks. It never swallows an error; callers
// always get the classified AppError back to propagate or inspect.
package recovery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/apperror"
	"github.com/practicehq/tether/pkg/tether/netmon"
	"github.com/practicehq/tether/pkg/tether/notify"
)

// RedirectFunc sends the user to a URL (the login page).
type RedirectFunc func(url string)

// PromptFunc asks the user to take an action, e.g. reconnect an external
// account.
type PromptFunc func(message string)

// Context carries the caller's resumption capabilities for one failed
// operation.
type Context struct {
	// Operation names the failed call for logs.
	Operation string
	// Retry re-runs the operation from the start.
	Retry apperror.RetryFunc
	// Fallback yields a cached substitute value.
	Fallback apperror.FallbackFunc
}

// Coordinator decides what happens after a failure. Safe for concurrent
// use.
type Coordinator struct {
	logger   *zap.Logger
	notifier notify.Notifier
	monitor  *netmon.Monitor
	loginURL string
	redirect RedirectFunc
	prompt   PromptFunc

	mu      sync.Mutex
	pending []apperror.RetryFunc // retried once on the next reconnect
}

// Builder assembles a Coordinator.
type Builder struct {
	logger   *zap.Logger
	notifier notify.Notifier
	monitor  *netmon.Monitor
	loginURL string
	redirect RedirectFunc
	prompt   PromptFunc
}

func NewCoordinator() *Builder {
	return &Builder{
		logger:   zap.NewNop(),
		notifier: notify.Nop{},
		loginURL: "/login",
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

func (b *Builder) WithMonitor(monitor *netmon.Monitor) *Builder {
	b.monitor = monitor
	return b
}

func (b *Builder) WithLoginURL(url string) *Builder {
	if url != "" {
		b.loginURL = url
	}
	return b
}

func (b *Builder) WithLoginRedirect(fn RedirectFunc) *Builder {
	b.redirect = fn
	return b
}

func (b *Builder) WithOAuthPrompt(fn PromptFunc) *Builder {
	b.prompt = fn
	return b
}

func (b *Builder) Build() *Coordinator {
	c := &Coordinator{
		logger:   b.logger,
		notifier: b.notifier,
		monitor:  b.monitor,
		loginURL: b.loginURL,
		redirect: b.redirect,
		prompt:   b.prompt,
	}
	if c.monitor != nil {
		c.monitor.Subscribe(c.onNetworkChange)
	}
	return c
}

// Handle implements the rest.Recoverer interface.
func (c *Coordinator) Handle(ctx context.Context, err error) error {
	return c.HandleWithContext(ctx, err, nil)
}

// HandleWithContext classifies err, attaches the caller's resumption
// capabilities, performs the kind-specific recovery action, and returns
// the classified error for the caller to propagate.
func (c *Coordinator) HandleWithContext(_ context.Context, err error, rctx *Context) *apperror.AppError {
	ae := apperror.FromError(err)
	if ae == nil {
		return nil
	}

	if rctx != nil {
		if ae.Retry == nil {
			ae.Retry = rctx.Retry
		}
		if ae.Fallback == nil {
			ae.Fallback = rctx.Fallback
		}
	}

	operation := ""
	if rctx != nil {
		operation = rctx.Operation
	}
	c.logger.Warn("handling failure",
		zap.String("kind", ae.Kind.String()),
		zap.String("severity", ae.Severity.String()),
		zap.Int("code", ae.Code),
		zap.String("operation", operation),
		zap.Error(ae),
	)

	switch ae.Kind {
	case apperror.KindAuth:
		c.notifier.Warning(ae.UserMessage)
		if c.redirect != nil {
			c.redirect(c.loginURL)
		}

	case apperror.KindOAuth:
		if c.prompt != nil {
			c.prompt(ae.UserMessage)
		} else {
			c.notifier.Warning(ae.UserMessage)
		}

	case apperror.KindNetwork:
		c.notifier.Warning(ae.UserMessage)
		if ae.Retry != nil {
			c.registerReconnectRetry(ae.Retry)
		}

	case apperror.KindRateLimit:
		c.notifier.Warning(ae.UserMessage)

	case apperror.KindDatabase, apperror.KindAIService:
		// these kinds commonly carry a cached fallback; still surface
		c.notifier.Error(ae.UserMessage)

	default:
		c.notifier.Error(ae.UserMessage)
	}

	return ae
}

// PendingRetries reports how many operations wait for the next reconnect.
func (c *Coordinator) PendingRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) registerReconnectRetry(retry apperror.RetryFunc) {
	if c.monitor == nil {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, retry)
	c.mu.Unlock()
}

func (c *Coordinator) onNetworkChange(online bool) {
	if !online {
		return
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.logger.Info("retrying failed operations after reconnect", zap.Int("count", len(pending)))

	for _, retry := range pending {
		if err := retry(); err != nil {
			// one shot only; a persistent failure re-enters Handle
			c.logger.Warn("reconnect retry failed", zap.Error(err))
		}
	}
}
