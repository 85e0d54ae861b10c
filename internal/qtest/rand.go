package qtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// seedForTest derives a stable chacha8 seed from the test name,
// so failures are reproducible by rerunning the same test.
func seedForTest(t *testing.T, salt string) [32]byte {
	return sha256.Sum256([]byte(t.Name() + "\x00" + salt))
}

// RandomDataForTest returns sz pseudorandom bytes
// derived from the test name.
func RandomDataForTest(t *testing.T, sz int) []byte {
	chacha := rand.NewChaCha8(seedForTest(t, "data"))

	out := make([]byte, sz)
	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}

// RandForTest returns a deterministic *rand.Rand seeded from the test name.
// Use it to drive randomized schedules in concurrency tests.
func RandForTest(t *testing.T) *rand.Rand {
	return rand.New(rand.NewChaCha8(seedForTest(t, "rand")))
}
