package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Provider error reasons the controller acts on.
const (
	ReasonRedundantTransition = "redundantTransition"
	ReasonInvalidTransition   = "invalidTransition"
	ReasonUnauthorizedClient  = "unauthorized_client"
	ReasonQuotaExceeded       = "quotaExceeded"
)

var (
	// ErrActive is returned by Create while a broadcast is still running.
	ErrActive = errors.New("broadcast already active")
	// ErrNoBroadcast is returned by operations that need a broadcast.
	ErrNoBroadcast = errors.New("no broadcast")
	// ErrNotLive is returned when a transition finished without the
	// broadcast reaching live.
	ErrNotLive = errors.New("broadcast did not go live")
	// ErrIngestTimeout is returned when the stream never became active.
	ErrIngestTimeout = errors.New("ingestion did not become active")
	// ErrInvalidPrivacy is returned for privacy values other than public,
	// unlisted and private.
	ErrInvalidPrivacy = errors.New("invalid privacy")
)

// ProviderError carries the remote error code and reason.
type ProviderError struct {
	Op      string
	Code    int
	Reason  string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: provider error %d (%s): %s", e.Op, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: provider error %d: %s", e.Op, e.Code, e.Message)
}

// Retryable reports transient failures: 5xx and rate limiting without quota
// exhaustion.
func (e *ProviderError) Retryable() bool {
	if e.Reason == ReasonQuotaExceeded {
		return false
	}
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// AuthError reports rejected credentials.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HasReason reports whether err is a ProviderError with the given reason.
func HasReason(err error, reason string) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Reason == reason
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoBroadcast) {
		return false
	}
	// Transport failures carry no provider code.
	return true
}
