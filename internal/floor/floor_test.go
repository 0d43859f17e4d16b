package floor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryClaim_FirstWins(t *testing.T) {
	c := NewControl()

	res := c.TryClaim("#general", "m1", "alice", 100)
	assert.True(t, res.Granted)
	assert.Empty(t, res.Displaced)

	// Later start loses.
	res = c.TryClaim("#general", "m1", "bob", 150)
	assert.False(t, res.Granted)
	assert.Equal(t, "alice", res.Incumbent.AgentID)

	holder, ok := c.Holder("#general", "m1")
	assert.True(t, ok)
	assert.Equal(t, "alice", holder.AgentID)
}

func TestTryClaim_EarlierStartDisplaces(t *testing.T) {
	c := NewControl()
	c.TryClaim("#general", "m1", "bob", 200)

	res := c.TryClaim("#general", "m1", "alice", 100)
	assert.True(t, res.Granted)
	assert.Equal(t, "bob", res.Displaced)

	holder, _ := c.Holder("#general", "m1")
	assert.Equal(t, "alice", holder.AgentID)
}

func TestTryClaim_AgentIDTiebreak(t *testing.T) {
	c := NewControl()
	c.TryClaim("#general", "m1", "zed", 100)

	// Equal started_at: lexicographically smaller agent-id wins.
	res := c.TryClaim("#general", "m1", "amy", 100)
	assert.True(t, res.Granted)
	assert.Equal(t, "zed", res.Displaced)

	res = c.TryClaim("#general", "m1", "bob", 100)
	assert.False(t, res.Granted)
}

func TestTryClaim_SameAgentRefreshes(t *testing.T) {
	c := NewControl()
	c.TryClaim("#general", "m1", "alice", 100)
	res := c.TryClaim("#general", "m1", "alice", 90)
	assert.True(t, res.Granted)
	assert.Empty(t, res.Displaced)
}

func TestClaims_IndependentPerMessage(t *testing.T) {
	c := NewControl()
	assert.True(t, c.TryClaim("#general", "m1", "alice", 100).Granted)
	assert.True(t, c.TryClaim("#general", "m2", "bob", 100).Granted)
	assert.True(t, c.TryClaim("#agents", "m1", "bob", 100).Granted)
}

func TestRelease(t *testing.T) {
	c := NewControl()
	c.TryClaim("#general", "m1", "alice", 100)
	c.TryClaim("#general", "m2", "alice", 100)
	c.TryClaim("#agents", "m3", "alice", 100)

	released := c.Release("alice", "#general")
	assert.Len(t, released, 2)
	_, ok := c.Holder("#agents", "m3")
	assert.True(t, ok)

	released = c.ReleaseAgent("alice")
	assert.Len(t, released, 1)
	_, ok = c.Holder("#agents", "m3")
	assert.False(t, ok)
}
