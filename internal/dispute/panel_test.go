package dispute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeed_Deterministic(t *testing.T) {
	a := Seed("prop_1", "nonce", "server")
	b := Seed("prop_1", "nonce", "server")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Seed("prop_2", "nonce", "server"))
	assert.Len(t, a, 32)
}

func TestShufflePool_Reproducible(t *testing.T) {
	pool := []string{"carol", "alice", "bob", "dave", "erin"}
	seed := Seed("prop_1", "n", "s")

	first := ShufflePool(seed, pool)
	second := ShufflePool(seed, []string{"erin", "dave", "carol", "bob", "alice"})
	assert.Equal(t, first, second, "input order must not matter, only the sorted pool and the seed")

	other := ShufflePool(Seed("prop_1", "different", "s"), pool)
	assert.NotEqual(t, first, other)

	require.ElementsMatch(t, pool, first)
}

func TestShufflePool_DoesNotMutateInput(t *testing.T) {
	pool := []string{"b", "a", "c"}
	_ = ShufflePool(Seed("p", "n", "s"), pool)
	assert.Equal(t, []string{"b", "a", "c"}, pool)
}
