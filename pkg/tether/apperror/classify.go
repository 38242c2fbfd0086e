package apperror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var oauthMarkers = []string{"oauth", "token expired", "token revoked", "refresh token", "google account"}

var databaseMarkers = []string{"database", "sql", "sqlite", "constraint", "deadlock"}

var aiMarkers = []string{"openai", "anthropic", "ai service", "model overloaded", "completion failed"}

// Classify maps a raw error to a Kind. Rules are applied in priority order:
// auth markers beat OAuth markers beat transport-level network failures,
// then database and AI-provider markers, and anything unrecognized is
// KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") {
		if containsAny(msg, oauthMarkers) {
			return KindOAuth
		}
		return KindAuth
	}
	if containsAny(msg, oauthMarkers) {
		return KindOAuth
	}
	if isNetworkError(err) || strings.Contains(msg, "network") || strings.Contains(msg, "connection refused") {
		return KindNetwork
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return KindRateLimit
	}
	if containsAny(msg, databaseMarkers) {
		return KindDatabase
	}
	if containsAny(msg, aiMarkers) {
		return KindAIService
	}
	if strings.Contains(msg, "forbidden") || strings.Contains(msg, "403") {
		return KindPermission
	}
	return KindUnknown
}

// ClassifyStatus maps an HTTP status code to a Kind. The request path
// disambiguates plain session-auth failures from external-account OAuth
// failures on 401.
func ClassifyStatus(status int, path string) Kind {
	switch {
	case status == 401:
		if strings.Contains(path, "/oauth") || strings.Contains(path, "/auth/google") {
			return KindOAuth
		}
		return KindAuth
	case status == 403:
		return KindPermission
	case status == 429:
		return KindRateLimit
	case status >= 500:
		return KindUnknown
	case status == 400 || (status >= 402 && status < 500):
		return KindValidation
	default:
		return KindUnknown
	}
}

// DefaultSeverity ranks a failure. HTTP codes dominate: 5xx is high,
// 401/403 medium, 429 low. Without a code the kind decides.
func DefaultSeverity(kind Kind, code int) Severity {
	switch {
	case code >= 500:
		return SeverityHigh
	case code == 401 || code == 403:
		return SeverityMedium
	case code == 429:
		return SeverityLow
	}

	switch kind {
	case KindDatabase:
		return SeverityHigh
	case KindNetwork, KindAuth, KindOAuth, KindPermission, KindAIService:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Retryable reports whether a failure of this kind and code may be retried.
// Only transient categories qualify: network failures, rate limiting, and
// server errors. 4xx other than 429 is never retried.
func Retryable(kind Kind, code int) bool {
	if code >= 400 && code < 500 && code != 429 {
		return false
	}
	return kind == KindNetwork || kind == KindRateLimit || code >= 500
}

// UserMessage returns the fixed default user-facing message for a kind.
func UserMessage(kind Kind) string {
	switch kind {
	case KindNetwork:
		return "Connection issue — check your internet"
	case KindAuth:
		return "Please log in again"
	case KindOAuth:
		return "Reconnect your external account"
	case KindDatabase:
		return "Temporarily unavailable, data is safe"
	case KindFileUpload:
		return "Upload failed, try again"
	case KindAIService:
		return "AI temporarily unavailable"
	case KindValidation:
		return "Check the submitted values"
	case KindPermission:
		return "No permission for this action"
	case KindRateLimit:
		return "Too many requests, wait a moment"
	default:
		return "Unexpected error"
	}
}

// RateLimitMessage is the rate-limit user message with the server-provided
// wait time filled in.
func RateLimitMessage(seconds int) string {
	return fmt.Sprintf("Too many requests, wait %d seconds", seconds)
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
