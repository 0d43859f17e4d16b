// Package floor arbitrates which agent answers a given channel message.
// One claim holds the floor per (channel, message-id); earlier started_at
// wins, with agent-id as the lexicographic tiebreak.
package floor

import "sync"

type key struct {
	channel string
	msgID   string
}

// Claim is one held floor.
type Claim struct {
	Channel   string
	MsgID     string
	AgentID   string
	StartedAt int64
}

// Result of a claim attempt. When Granted and Displaced is non-empty, the
// previous holder lost the floor and must be notified.
type Result struct {
	Granted   bool
	Displaced string
	Incumbent Claim
}

// Control tracks all live claims.
type Control struct {
	mu     sync.Mutex
	claims map[key]Claim
}

// NewControl builds an empty floor controller.
func NewControl() *Control {
	return &Control{claims: make(map[key]Claim)}
}

// beats reports whether a outranks b: lower started_at first, then lower
// agent-id.
func beats(a, b Claim) bool {
	if a.StartedAt != b.StartedAt {
		return a.StartedAt < b.StartedAt
	}
	return a.AgentID < b.AgentID
}

// TryClaim attempts to take the floor for (channel, msgID).
func (c *Control) TryClaim(channel, msgID, agentID string, startedAt int64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{channel: channel, msgID: msgID}
	next := Claim{Channel: channel, MsgID: msgID, AgentID: agentID, StartedAt: startedAt}

	cur, held := c.claims[k]
	if !held || cur.AgentID == agentID {
		c.claims[k] = next
		return Result{Granted: true}
	}
	if beats(next, cur) {
		c.claims[k] = next
		return Result{Granted: true, Displaced: cur.AgentID, Incumbent: cur}
	}
	return Result{Granted: false, Incumbent: cur}
}

// Release drops every claim the agent holds in one channel and returns
// the released claims.
func (c *Control) Release(agentID, channel string) []Claim {
	return c.release(func(cl Claim) bool {
		return cl.AgentID == agentID && cl.Channel == channel
	})
}

// ReleaseAgent drops every claim the agent holds anywhere. Called on
// disconnect.
func (c *Control) ReleaseAgent(agentID string) []Claim {
	return c.release(func(cl Claim) bool { return cl.AgentID == agentID })
}

func (c *Control) release(match func(Claim) bool) []Claim {
	c.mu.Lock()
	defer c.mu.Unlock()
	var released []Claim
	for k, cl := range c.claims {
		if match(cl) {
			released = append(released, cl)
			delete(c.claims, k)
		}
	}
	return released
}

// Holder returns the current floor holder for a message, if any.
func (c *Control) Holder(channel, msgID string) (Claim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.claims[key{channel: channel, msgID: msgID}]
	return cl, ok
}
