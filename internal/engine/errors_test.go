package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Branches(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		wantBranch  Classification
		wantMarkBad bool
	}{
		{"proxy", &ProxyError{Cause: errors.New("x")}, ClassifyRetryFree, true},
		{"session", &SessionError{Cause: errors.New("x")}, ClassifyRetryFree, true},
		{"navigation timeout", &TimeoutError{Cause: errors.New("x"), Navigation: true}, ClassifyRetry, true},
		{"handler timeout", &TimeoutError{Cause: errors.New("x")}, ClassifyRetry, false},
		{"retry-request", &RetryRequestError{Cause: errors.New("x")}, ClassifyRetryFree, false},
		{"missing route", &MissingRouteError{Label: "x"}, ClassifyFailedAbort, false},
		{"critical", &CriticalError{Cause: errors.New("x")}, ClassifyFailedAbort, false},
		{"non-retryable", &NonRetryableError{Cause: errors.New("x")}, ClassifyFailed, false},
		{"plain error", errors.New("x"), ClassifyRetry, false},
		{"retryable", &RetryableError{Cause: errors.New("x")}, ClassifyRetry, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Classify(tc.err)
			assert.Equal(t, tc.wantBranch, result.Branch)
			assert.Equal(t, tc.wantMarkBad, result.MarkSessionBad)
		})
	}
}

func TestMissingRouteError_MessageWithAndWithoutLabel(t *testing.T) {
	assert.Contains(t, (&MissingRouteError{Label: "list"}).Error(), "list")
	assert.Contains(t, (&MissingRouteError{}).Error(), "empty label")
}
