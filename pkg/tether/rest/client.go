// Package rest is the resilient HTTP client every API call goes through.
// It layers timeout, classification, bounded retry with backoff, offline
// queueing for writes, and recovery dispatch over a plain http.Client.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/practicehq/tether/pkg/tether/apperror"
	"github.com/practicehq/tether/pkg/tether/netmon"
	"github.com/practicehq/tether/pkg/tether/o11y"
	"github.com/practicehq/tether/pkg/tether/offline"
)

// DefaultTimeout bounds a single HTTP attempt.
const DefaultTimeout = 30 * time.Second

// Recoverer receives every non-offline failure for a recovery decision.
// It returns the error the caller should see, normally a classified
// *apperror.AppError.
type Recoverer interface {
	Handle(ctx context.Context, err error) error
}

// OnRetryFunc is invoked before each retry wait.
type OnRetryFunc func(attempt int, err *apperror.AppError)

// RequestOptions tune a single call. The zero value is correct for most
// calls.
type RequestOptions struct {
	// SkipOfflineQueue bypasses enqueueing when the monitor reports
	// offline; used for replays and calls that must not be persisted.
	SkipOfflineQueue bool
	// SkipRetry disables the retry policy for this call.
	SkipRetry bool
	// SkipRecovery prevents the failure from being handed to the
	// recovery coordinator.
	SkipRecovery bool
	// MaxRetries overrides the policy cap when > 0. To disable retries
	// entirely, set SkipRetry.
	MaxRetries int
	// OnRetry is called before each backoff wait.
	OnRetry OnRetryFunc
	// Timeout overrides the client default for this call.
	Timeout time.Duration
}

// Client issues HTTP calls with retry, classification, and offline
// capture. Construct with NewClient.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	monitor    *netmon.Monitor
	queue      *offline.Queue
	recoverer  Recoverer
	timeout    time.Duration

	readPolicy     RetryPolicy
	mutationPolicy RetryPolicy

	requestCounter  o11y.Counter
	retryCounter    o11y.Counter
	durationHist    o11y.Histogram
	tracingProvider o11y.TracingProvider
}

// Builder assembles a Client.
type Builder struct {
	baseURL        string
	httpClient     *http.Client
	logger         *zap.Logger
	monitor        *netmon.Monitor
	queue          *offline.Queue
	recoverer      Recoverer
	timeout        time.Duration
	readPolicy     *RetryPolicy
	mutationPolicy *RetryPolicy
	metrics        o11y.MetricsProvider
	tracing        o11y.TracingProvider
}

// NewClient creates a Client builder. A base URL is required.
func NewClient() *Builder {
	return &Builder{
		logger:  zap.NewNop(),
		timeout: DefaultTimeout,
	}
}

func (b *Builder) WithBaseURL(url string) *Builder {
	b.baseURL = strings.TrimRight(url, "/")
	return b
}

func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *Builder) WithMonitor(monitor *netmon.Monitor) *Builder {
	b.monitor = monitor
	return b
}

func (b *Builder) WithOfflineQueue(queue *offline.Queue) *Builder {
	b.queue = queue
	return b
}

func (b *Builder) WithRecoverer(r Recoverer) *Builder {
	b.recoverer = r
	return b
}

func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.timeout = timeout
	}
	return b
}

func (b *Builder) WithRetryPolicy(read, mutation RetryPolicy) *Builder {
	b.readPolicy = &read
	b.mutationPolicy = &mutation
	return b
}

func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metrics = provider
	return b
}

func (b *Builder) WithTracing(provider o11y.TracingProvider) *Builder {
	b.tracing = provider
	return b
}

func (b *Builder) Build() (*Client, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	httpClient := b.httpClient
	if httpClient == nil {
		// credentials ride on cookies, so the client needs a jar
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		httpClient = &http.Client{Jar: jar}
	}

	c := &Client{
		baseURL:         b.baseURL,
		httpClient:      httpClient,
		logger:          b.logger,
		monitor:         b.monitor,
		queue:           b.queue,
		recoverer:       b.recoverer,
		timeout:         b.timeout,
		readPolicy:      DefaultRetryPolicy(),
		mutationPolicy:  MutationRetryPolicy(),
		tracingProvider: b.tracing,
	}
	if b.readPolicy != nil {
		c.readPolicy = *b.readPolicy
	}
	if b.mutationPolicy != nil {
		c.mutationPolicy = *b.mutationPolicy
	}
	if b.metrics != nil {
		c.requestCounter = b.metrics.Counter("tether_http_requests_total")
		c.retryCounter = b.metrics.Counter("tether_http_retries_total")
		c.durationHist = b.metrics.Histogram("tether_http_request_duration_seconds")
	}
	return c, nil
}

// BindOfflineReplay subscribes to the network monitor and drains the
// offline queue through this client whenever connectivity returns.
// Returns the unsubscribe function.
func (c *Client) BindOfflineReplay() func() {
	if c.monitor == nil || c.queue == nil {
		return func() {}
	}
	return c.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go c.queue.Drain(context.Background(), c.Replay)
	})
}

// Replay re-issues one queued request, bypassing the offline queue so a
// still-down backend cannot re-enqueue it.
func (c *Client) Replay(ctx context.Context, req offline.QueuedRequest) error {
	var body any
	if len(req.Payload) > 0 {
		body = json.RawMessage(req.Payload)
	}
	_, err := c.Request(ctx, req.Method, req.URL, body, &RequestOptions{
		SkipOfflineQueue: true,
		SkipRecovery:     true,
	})
	return err
}

// Get issues a GET and decodes the JSON response into dest.
func (c *Client) Get(ctx context.Context, path string, dest any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, dest, nil)
}

// Post issues a POST with a JSON body, decoding the response into dest
// when dest is non-nil.
func (c *Client) Post(ctx context.Context, path string, body, dest any) error {
	return c.DoJSON(ctx, http.MethodPost, path, body, dest, nil)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, dest any) error {
	return c.DoJSON(ctx, http.MethodPut, path, body, dest, nil)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.DoJSON(ctx, http.MethodDelete, path, nil, nil, nil)
}

// DoJSON is Request plus JSON decoding of the response body.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, dest any, opts *RequestOptions) error {
	respBody, err := c.Request(ctx, method, path, body, opts)
	if err != nil {
		return err
	}
	if dest == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dest); err != nil {
		return apperror.Wrap(apperror.KindUnknown, fmt.Sprintf("decode response from %s", path), err)
	}
	return nil
}

// Request issues one logical call: offline capture, bounded attempts with
// backoff, classification, and recovery dispatch. On success it returns
// the raw response body.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts *RequestOptions) ([]byte, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	mutation := isMutation(method)

	if span := c.startSpan(&ctx, method, path); span != nil {
		defer span.End()
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "encode request body", err)
	}

	if c.monitor != nil && !c.monitor.IsOnline() && !opts.SkipOfflineQueue {
		return nil, c.captureOffline(ctx, method, path, payload, mutation)
	}

	policy := c.readPolicy
	if mutation {
		policy = c.mutationPolicy
	}
	maxRetries := policy.MaxRetries
	if opts.SkipRetry {
		maxRetries = 0
	} else if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	var lastErr *apperror.AppError
	var respBody []byte

	for attempt := 0; ; attempt++ {
		respBody, lastErr = c.attempt(ctx, method, path, payload, opts.Timeout)
		if lastErr == nil {
			return respBody, nil
		}
		if attempt >= maxRetries || !apperror.Retryable(lastErr.Kind, lastErr.Code) {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, lastErr)
		}
		if c.retryCounter != nil {
			c.retryCounter.Add(ctx, 1, o11y.Label{Key: "method", Value: method})
		}

		delay := policy.Delay(attempt)
		if secs, ok := lastErr.RetryAfter(); ok {
			serverWait := time.Duration(secs) * time.Second
			if serverWait > delay {
				delay = serverWait
			}
		}
		c.logger.Debug("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("kind", lastErr.Kind.String()),
		)
		if err := sleep(ctx, delay); err != nil {
			lastErr = apperror.Wrap(apperror.KindNetwork, "request canceled during backoff", err)
			break
		}
	}

	// hand the final failure a retry capability so recovery (or the
	// caller) can resume the whole operation
	lastErr.Retry = func() error {
		_, err := c.Request(ctx, method, path, body, opts)
		return err
	}

	if c.recoverer != nil && !opts.SkipRecovery {
		return nil, c.recoverer.Handle(ctx, lastErr)
	}
	return nil, lastErr
}

// attempt performs exactly one HTTP exchange and classifies any failure.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, timeout time.Duration) ([]byte, *apperror.AppError) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.recordRequest(ctx, method, resp, time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return nil, apperror.Wrap(apperror.KindNetwork,
				fmt.Sprintf("%s %s took too long", method, path), err)
		}
		return nil, apperror.Wrap(apperror.KindNetwork,
			fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindNetwork, "read response body", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, c.classifyResponse(method, path, resp, respBody)
}

// classifyResponse turns a non-2xx response into an AppError per the
// taxonomy rules.
func (c *Client) classifyResponse(method, path string, resp *http.Response, body []byte) *apperror.AppError {
	kind := apperror.ClassifyStatus(resp.StatusCode, path)

	message := messageFromBody(body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	e := apperror.New(kind, fmt.Sprintf("%s %s: %s", method, path, message))
	e.Code = resp.StatusCode
	e.Severity = apperror.DefaultSeverity(kind, resp.StatusCode)
	e.Context = map[string]any{"method": method, "url": path}

	if kind == apperror.KindValidation {
		// surface the server's own message to the user
		e.UserMessage = message
	}

	if kind == apperror.KindRateLimit {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.Context["retryAfter"] = secs
			e.UserMessage = apperror.RateLimitMessage(secs)
		}
	}
	return e
}

// captureOffline enqueues a write for later replay, or fails a read fast.
// Either way the caller gets a NETWORK error immediately.
func (c *Client) captureOffline(ctx context.Context, method, path string, payload []byte, mutation bool) error {
	if mutation && c.queue != nil {
		id, err := c.queue.Enqueue(ctx, method, path, payload)
		if err != nil {
			c.logger.Error("failed to queue offline request", zap.Error(err))
			return apperror.Wrap(apperror.KindNetwork,
				fmt.Sprintf("offline and could not queue %s %s", method, path), err)
		}
		e := apperror.New(apperror.KindNetwork,
			fmt.Sprintf("offline: %s %s queued for sync", method, path))
		e.UserMessage = "You're offline — your change was saved and will sync automatically"
		e.Context = map[string]any{"queuedId": id}
		return e
	}
	return apperror.New(apperror.KindNetwork,
		fmt.Sprintf("offline: %s %s not attempted", method, path))
}

func (c *Client) startSpan(ctx *context.Context, method, path string) o11y.Span {
	if c.tracingProvider == nil {
		return nil
	}
	newCtx, span := c.tracingProvider.StartSpan(*ctx, "rest.request")
	span.SetAttributes(
		o11y.Label{Key: "method", Value: method},
		o11y.Label{Key: "path", Value: path},
	)
	*ctx = newCtx
	return span
}

func (c *Client) recordRequest(ctx context.Context, method string, resp *http.Response, elapsed time.Duration) {
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	if c.requestCounter != nil {
		c.requestCounter.Add(ctx, 1,
			o11y.Label{Key: "method", Value: method},
			o11y.Label{Key: "status", Value: status},
		)
	}
	if c.durationHist != nil {
		c.durationHist.Record(ctx, elapsed.Seconds(), o11y.Label{Key: "method", Value: method})
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(body)
}

func messageFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return parsed.Error
}
