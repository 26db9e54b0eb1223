package keys

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// IDGenerator hands out ULIDs that sort by creation time; ids minted for the
// same millisecond strictly increase.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a new id stamped with ms.
func (g *IDGenerator) Next(ms int64) (string, error) {
	if ms < 0 {
		return "", fmt.Errorf("negative timestamp %d", ms)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(uint64(ms), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
