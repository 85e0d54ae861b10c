// Package qtest contains helpers shared by qdrive's tests.
package qtest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScaleDuration is how long the "Soon" helpers wait
// before failing the test.
// It is generous so that slow CI machines do not flake.
const ScaleDuration = 2 * time.Second

// NewLogger returns a debug-level logger that writes through t.Log.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// ReceiveSoon receives a value from ch, failing t if nothing arrives
// within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no receive within %s", ScaleDuration)
	}

	panic("unreachable")
}

// SendSoon sends v to ch, failing t if the send does not complete
// within [ScaleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("no send within %s", ScaleDuration)
	}
}

// IsSending asserts that ch is immediately readable.
// Use it with closed signal channels.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not ready")
	}
}

// NotSending asserts that ch is not readable within a short window.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ch:
		t.Fatal("channel was unexpectedly ready")
	case <-timer.C:
	}
}
