// Package testutil holds shared polling assertions for tests that wait
// on background goroutines (executions, fan-out, reaper loops).
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pollTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

// AssertEventually polls condition with the package-standard timeout
// and interval, failing the test without stopping it.
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...any) bool {
	t.Helper()
	return assert.Eventually(t, condition, pollTimeout, pollInterval, msgAndArgs...)
}

// RequireEventually is AssertEventually but aborts the test on timeout.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, pollTimeout, pollInterval, msgAndArgs...)
}
