package dtest

import (
	"crypto/sha256"
	"math/rand/v2"
	"testing"
)

// RandomPayloadsForTest returns n message payloads of size sz
// filled with pseudorandom data.
// The generator is seeded from the test name,
// so each test sees its own stable payloads across runs.
func RandomPayloadsForTest(t *testing.T, n, sz int) [][]byte {
	t.Helper()

	// Sha256 happens to be the right size for the chacha8 seed,
	// and it removes any limit on the length of the test name.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = make([]byte, sz)
		if _, err := chacha.Read(payloads[i]); err != nil {
			panic(err)
		}
	}

	return payloads
}
