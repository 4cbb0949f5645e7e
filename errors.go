package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrNotInitialized is returned when a SyncManager is used before Init.
	ErrNotInitialized = errors.New("chatsync: manager not initialized")
	// ErrNoScope is returned by operations that need an active scope.
	ErrNoScope = errors.New("chatsync: no active scope")
	// ErrSuperseded is returned when a load finished after its scope was replaced.
	ErrSuperseded = errors.New("chatsync: load superseded by scope change")
	// ErrUnknownMessage is returned when an operation targets a message not in the cache.
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	// ErrNotConnected is returned by realtime commands while disconnected.
	ErrNotConnected = errors.New("chatsync: realtime not connected")
	// ErrEmptyMessage is returned when a send or edit carries no content.
	ErrEmptyMessage = errors.New("chatsync: message has no content")
	// ErrPendingMessage is returned when an operation targets a message the
	// server has not confirmed yet.
	ErrPendingMessage = errors.New("chatsync: message not confirmed yet")
	// ErrDeletedMessage is returned when an operation targets a deleted
	// message or one with a delete in flight.
	ErrDeletedMessage = errors.New("chatsync: message deleted")
)

// APIError represents a failed service call.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// IsRetryable reports whether err is transient: a transport failure, a 5xx
// response, or a TIMEOUT/NETWORK coded error. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 500 {
			return true
		}
		code := strings.ToUpper(apiErr.Code)
		return strings.Contains(code, "TIMEOUT") || strings.Contains(code, "NETWORK")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var transportErr *transportError
	return errors.As(err, &transportErr)
}

// IsEmptyResult reports whether a list fetch failed only because there is
// nothing to list (404, 204, "not found", "no replies").
func IsEmptyResult(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusNoContent {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no replies")
}

// ErrorMessage returns the human-readable cause for a notice.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if IsRetryable(err) {
		return "Network error, please check your connection"
	}
	return err.Error()
}

// transportError marks a failure below the HTTP layer (dial, read).
type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string { return e.op + ": " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// decodeError marks a 2xx response whose body could not be decoded. The
// server already applied the request, so it is never retried.
type decodeError struct {
	op  string
	err error
}

func (e *decodeError) Error() string { return e.op + ": " + e.err.Error() }

func (e *decodeError) Unwrap() error { return e.err }
