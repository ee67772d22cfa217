// Package engine implements the Crawler Engine (spec.md §2 C8, §4.2): the
// fetch-next/pre-nav/navigate/post-nav/handler/error-handling state
// machine binding the RequestQueue, SessionPool, ContextPipeline, and
// Statistics together, plus the router and error taxonomy (§7) that
// drive its ERROR_HANDLER branch. Worker dispatch is delegated to
// autoscale.AutoscaledPool (see Engine). The error classification follows
// the teacher's retry classification in internal/services/crawler/retry.go;
// the router has no teacher precedent and is built directly from the
// specification.
package engine

import (
	"errors"
	"fmt"
)

// RetryableError signals a normal, retryable handler failure (spec.md §7,
// the default classification for a plain error returned by user code).
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable error: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// SessionError signals anti-bot detection: the current session must be
// marked bad (and possibly retired), then the request retried with a
// fresh session without counting against retryCount.
type SessionError struct {
	Cause error
}

func (e *SessionError) Error() string { return fmt.Sprintf("session error: %v", e.Cause) }
func (e *SessionError) Unwrap() error { return e.Cause }

// TimeoutError signals a navigation or handler deadline was exceeded. It
// behaves as RetryableError; a navigation-stage timeout additionally
// marks the session bad (see Classify).
type TimeoutError struct {
	Cause       error
	Navigation  bool
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout error: %v", e.Cause) }
func (e *TimeoutError) Unwrap() error { return e.Cause }

// NonRetryableError signals the request must go straight to the
// failed-request handler without a retry.
type NonRetryableError struct {
	Cause error
}

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable error: %v", e.Cause) }
func (e *NonRetryableError) Unwrap() error { return e.Cause }

// CriticalError signals the request must fail and the entire crawl must
// abort (e.g. a missing route).
type CriticalError struct {
	Cause error
}

func (e *CriticalError) Error() string { return fmt.Sprintf("critical error: %v", e.Cause) }
func (e *CriticalError) Unwrap() error { return e.Cause }

// RetryRequestError always retries the request, ignoring maxRequestRetries.
type RetryRequestError struct {
	Cause error
}

func (e *RetryRequestError) Error() string { return fmt.Sprintf("retry-request error: %v", e.Cause) }
func (e *RetryRequestError) Unwrap() error { return e.Cause }

// MissingRouteError is raised by the Router when no handler matches a
// request's label and no default handler is registered. It is always
// treated as a CriticalError by Classify.
type MissingRouteError struct {
	Label string
}

func (e *MissingRouteError) Error() string {
	if e.Label == "" {
		return "no route matched (empty label) and no default handler registered"
	}
	return fmt.Sprintf("no route matched label %q and no default handler registered", e.Label)
}

// ProxyError is transformed from low-level network failures indicating a
// proxy problem; Classify escalates it to SessionError handling.
type ProxyError struct {
	Cause error
}

func (e *ProxyError) Error() string { return fmt.Sprintf("proxy error: %v", e.Cause) }
func (e *ProxyError) Unwrap() error { return e.Cause }

// Classification is the ERROR_HANDLER branch Classify selects (spec.md §4.2).
type Classification int

const (
	// ClassifyRetry requeues the request, counting against retryCount.
	ClassifyRetry Classification = iota
	// ClassifyRetryFree requeues the request without counting against retryCount.
	ClassifyRetryFree
	// ClassifyFailed sends the request straight to the failed-request handler.
	ClassifyFailed
	// ClassifyFailedAbort sends the request to the failed-request handler and aborts the crawl.
	ClassifyFailedAbort
)

// ClassifyResult is Classify's verdict: the branch to take plus whether
// the session that served this request must be marked bad.
type ClassifyResult struct {
	Branch        Classification
	MarkSessionBad bool
}

// Classify maps an error returned by a pipeline stage or user handler to
// the ERROR_HANDLER branch spec.md §7 assigns it.
func Classify(err error) ClassifyResult {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		return ClassifyResult{Branch: ClassifyRetryFree, MarkSessionBad: true}
	}

	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return ClassifyResult{Branch: ClassifyRetryFree, MarkSessionBad: true}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ClassifyResult{Branch: ClassifyRetry, MarkSessionBad: timeoutErr.Navigation}
	}

	var retryFreeErr *RetryRequestError
	if errors.As(err, &retryFreeErr) {
		return ClassifyResult{Branch: ClassifyRetryFree}
	}

	var missingRouteErr *MissingRouteError
	if errors.As(err, &missingRouteErr) {
		return ClassifyResult{Branch: ClassifyFailedAbort}
	}

	var criticalErr *CriticalError
	if errors.As(err, &criticalErr) {
		return ClassifyResult{Branch: ClassifyFailedAbort}
	}

	var nonRetryableErr *NonRetryableError
	if errors.As(err, &nonRetryableErr) {
		return ClassifyResult{Branch: ClassifyFailed}
	}

	// Any other error, including a plain RetryableError, defaults to the
	// ordinary counted-retry branch (spec.md §7's "RetryableError (default)").
	return ClassifyResult{Branch: ClassifyRetry}
}
