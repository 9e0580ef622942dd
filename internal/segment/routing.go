package segment

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"github.com/zeebo/xxh3"
)

// HashRoutingKey hashes an application-provided routing key into [0,1].
// The teacher corpus reaches for xxh3 (github.com/zeebo/xxh3) wherever a
// fast, well-distributed string hash is needed; reused here in place of a
// hand-rolled hash so routing-key -> segment selection has the same
// distribution properties a production hashring would want.
func HashRoutingKey(key string) float64 {
	sum := xxh3.HashString(key)
	// Normalize the 64-bit digest into [0,1] by dividing by 2^64; digests
	// within float64 rounding of the maximum come out as exactly 1.0.
	return float64(sum) / float64(math.MaxUint64)
}

// RandomRoutingKey produces a hash in [0,1] for writes with no routing key,
// so every such write still spreads across a stream's segments instead of
// piling onto whichever segment owns key 0.
func RandomRoutingKey() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read only fails if the system entropy source is
		// broken; fall back to a fixed key rather than panicking.
		return 0
	}
	v := binary.BigEndian.Uint64(b[:])
	return float64(v) / float64(math.MaxUint64)
}
