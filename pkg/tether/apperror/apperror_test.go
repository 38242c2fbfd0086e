package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	e := New(KindNetwork, "request failed")
	assert.Equal(t, "network: request failed", e.Error())

	wrapped := Wrap(KindDatabase, "query failed", errors.New("sqlite: locked"))
	assert.Contains(t, wrapped.Error(), "database: query failed")
	assert.Contains(t, wrapped.Error(), "sqlite: locked")
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := Wrap(KindUnknown, "outer", cause)
	assert.Equal(t, cause, errors.Unwrap(e))
}

func TestAppErrorIsMatchesByKind(t *testing.T) {
	e := New(KindAuth, "session expired")
	assert.True(t, errors.Is(e, &AppError{Kind: KindAuth}))
	assert.False(t, errors.Is(e, &AppError{Kind: KindNetwork}))
	assert.False(t, errors.Is(e, errors.New("plain")))
}

func TestNewSetsDefaults(t *testing.T) {
	e := New(KindRateLimit, "429 from server")
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.Equal(t, SeverityLow, e.Severity)
	assert.Equal(t, UserMessage(KindRateLimit), e.UserMessage)
	assert.False(t, e.Timestamp.IsZero())
}

func TestRetryAfter(t *testing.T) {
	e := New(KindRateLimit, "slow down")
	_, ok := e.RetryAfter()
	assert.False(t, ok)

	e.Context = map[string]any{"retryAfter": 5}
	secs, ok := e.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 5, secs)
}

func TestFromError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, FromError(nil))
	})

	t.Run("already classified", func(t *testing.T) {
		orig := New(KindPermission, "no access")
		assert.Same(t, orig, FromError(orig))
	})

	t.Run("wrapped classified", func(t *testing.T) {
		orig := New(KindOAuth, "token expired")
		outer := fmt.Errorf("calling api: %w", orig)
		assert.Same(t, orig, FromError(outer))
	})

	t.Run("raw error gets classified", func(t *testing.T) {
		e := FromError(errors.New("connection refused"))
		require.NotNil(t, e)
		assert.Equal(t, KindNetwork, e.Kind)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"unauthorized", errors.New("401 unauthorized"), KindAuth},
		{"oauth token", errors.New("refresh token revoked"), KindOAuth},
		{"oauth unauthorized", errors.New("unauthorized: oauth token expired"), KindOAuth},
		{"connection refused", errors.New("dial tcp: connection refused"), KindNetwork},
		{"timeout", context.DeadlineExceeded, KindNetwork},
		{"rate limit", errors.New("429 too many requests"), KindRateLimit},
		{"database", errors.New("sqlite constraint violation"), KindDatabase},
		{"ai provider", errors.New("openai: model overloaded"), KindAIService},
		{"forbidden", errors.New("403 forbidden"), KindPermission},
		{"mystery", errors.New("something odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, KindAuth, ClassifyStatus(401, "/api/clients"))
	assert.Equal(t, KindOAuth, ClassifyStatus(401, "/api/oauth/calendar"))
	assert.Equal(t, KindOAuth, ClassifyStatus(401, "/api/auth/google/status"))
	assert.Equal(t, KindPermission, ClassifyStatus(403, "/api/clients"))
	assert.Equal(t, KindRateLimit, ClassifyStatus(429, "/api/clients"))
	assert.Equal(t, KindUnknown, ClassifyStatus(500, "/api/clients"))
	assert.Equal(t, KindUnknown, ClassifyStatus(503, "/api/clients"))
	assert.Equal(t, KindValidation, ClassifyStatus(400, "/api/clients"))
	assert.Equal(t, KindValidation, ClassifyStatus(422, "/api/clients"))
	assert.Equal(t, KindValidation, ClassifyStatus(404, "/api/clients"))
}

func TestDefaultSeverity(t *testing.T) {
	assert.Equal(t, SeverityHigh, DefaultSeverity(KindUnknown, 500))
	assert.Equal(t, SeverityHigh, DefaultSeverity(KindUnknown, 503))
	assert.Equal(t, SeverityMedium, DefaultSeverity(KindAuth, 401))
	assert.Equal(t, SeverityMedium, DefaultSeverity(KindPermission, 403))
	assert.Equal(t, SeverityLow, DefaultSeverity(KindRateLimit, 429))
	assert.Equal(t, SeverityHigh, DefaultSeverity(KindDatabase, 0))
	assert.Equal(t, SeverityMedium, DefaultSeverity(KindNetwork, 0))
	assert.Equal(t, SeverityLow, DefaultSeverity(KindValidation, 0))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(KindNetwork, 0))
	assert.True(t, Retryable(KindRateLimit, 429))
	assert.True(t, Retryable(KindUnknown, 500))
	assert.True(t, Retryable(KindUnknown, 503))

	assert.False(t, Retryable(KindValidation, 400))
	assert.False(t, Retryable(KindAuth, 401))
	assert.False(t, Retryable(KindPermission, 403))
	assert.False(t, Retryable(KindValidation, 404))
	assert.False(t, Retryable(KindValidation, 409))
	assert.False(t, Retryable(KindValidation, 422))
	assert.False(t, Retryable(KindUnknown, 0))
	// network-kind classification never overrides a hard 4xx
	assert.False(t, Retryable(KindNetwork, 404))
}

func TestRateLimitMessage(t *testing.T) {
	assert.Equal(t, "Too many requests, wait 5 seconds", RateLimitMessage(5))
}

func TestKindAndSeverityStrings(t *testing.T) {
	assert.Equal(t, "network", KindNetwork.String())
	assert.Equal(t, "rate_limit", KindRateLimit.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "high", SeverityHigh.String())
	assert.Equal(t, "critical", SeverityCritical.String())
}
