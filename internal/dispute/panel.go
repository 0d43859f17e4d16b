package dispute

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"
)

// Seed derives the deterministic panel-selection seed from the proposal id,
// the disputant's revealed nonce and the server nonce. The same triple
// always reproduces the same panel, so selection is auditable.
func Seed(proposalID, nonce, serverNonce string) []byte {
	sum := sha256.Sum256([]byte(proposalID + nonce + serverNonce))
	return sum[:]
}

// ShufflePool sorts the candidate pool and applies a seeded Fisher–Yates
// shuffle. The returned order is the draw order: the first PanelSize
// entries form the panel and later entries serve as replacements.
func ShufflePool(seed []byte, pool []string) []string {
	out := make([]string, len(pool))
	copy(out, pool)
	sort.Strings(out)

	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:8]))))
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
