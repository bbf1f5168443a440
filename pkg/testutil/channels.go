package testutil

import (
	"testing"
	"time"
)

// ReadChannel returns the next message of a channel, failing the test if nothing arrives
// before the timeout.
func ReadChannel[T any](t *testing.T, inCh <-chan T, timeout time.Duration) T {
	t.Helper()
	var item T
	select {
	case item = <-inCh:
	case <-time.After(timeout):
		t.Fatalf("timeout (%s) while waiting for a message in the channel", timeout)
	}
	return item
}
