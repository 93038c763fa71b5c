package helpers

import (
	"testing"
	"time"
)

// Eventually waits for a condition to become true, failing the test at the
// timeout.
func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		<-ticker.C
		if time.Now().After(deadline) {
			t.Fatal(message)
		}
	}
}

// Never verifies a condition stays false for the whole window.
func Never(t *testing.T, condition func() bool, window time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(window)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			t.Fatal(message)
		}
		<-ticker.C
	}
}
