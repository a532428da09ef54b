// Package rand generates the short random identifiers used for live
// subscription operations and device history entries.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var source = newSource()

// lockedSource is a PCG generator seeded once from crypto/rand.
type lockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSource() *lockedSource {
	seed := make([]byte, 16)
	if _, err := cryptorand.Read(seed); err != nil {
		panic("rand: failed to seed generator: " + err.Error())
	}
	//nolint:gosec // identifiers only need to be unique, not unpredictable
	return &lockedSource{rng: rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))}
}

// NewOperationID returns a random base62 string of the given length.
func NewOperationID(length int) string {
	buf := make([]byte, length)
	source.mu.Lock()
	for i := range buf {
		buf[i] = charset[source.rng.IntN(len(charset))]
	}
	source.mu.Unlock()
	return string(buf)
}
