// Package channel tracks channels, memberships, invites, and the
// per-channel replay ring served to late joiners.
package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentchat/relay/internal/protocol"
)

// Default channels created at startup.
var Defaults = []string{"#general", "#agents", "#discovery"}

// Channel is one named room. Guarded by its own mutex so traffic on one
// channel never blocks another.
type Channel struct {
	mu         sync.RWMutex
	name       string
	inviteOnly bool
	members    map[string]struct{}
	invited    map[string]struct{}
	ring       []protocol.Frame // at most protocol.ReplayRingSize entries, oldest first
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// InviteOnly reports whether joining requires an invite.
func (c *Channel) InviteOnly() bool { return c.inviteOnly }

// Members returns a sorted snapshot of member agent-ids.
func (c *Channel) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Has reports membership.
func (c *Channel) Has(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[agentID]
	return ok
}

// Record appends a delivered message to the replay ring, evicting the
// oldest entry when full.
func (c *Channel) Record(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) >= protocol.ReplayRingSize {
		c.ring = c.ring[1:]
	}
	c.ring = append(c.ring, f)
}

// Replay returns the ring contents oldest-first with the replay flag set.
func (c *Channel) Replay() []protocol.Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Frame, len(c.ring))
	for i, f := range c.ring {
		f.Replay = true
		out[i] = f
	}
	return out
}

// Registry is the set of live channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewRegistry creates a registry pre-populated with the default channels.
func NewRegistry() *Registry {
	r := &Registry{channels: make(map[string]*Channel)}
	for _, name := range Defaults {
		r.channels[name] = newChannel(name, false)
	}
	return r
}

func newChannel(name string, inviteOnly bool) *Channel {
	return &Channel{
		name:       name,
		inviteOnly: inviteOnly,
		members:    make(map[string]struct{}),
		invited:    make(map[string]struct{}),
	}
}

// Normalize canonicalizes a channel name to the #-prefixed lowercase form.
func Normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name != "" && !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// Get looks up a channel by name.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[Normalize(name)]
	return c, ok
}

// Create registers a new channel; the creator becomes its first member and,
// for invite-only channels, may invite others.
func (r *Registry) Create(name, creator string, inviteOnly bool) (*Channel, error) {
	name = Normalize(name)
	if name == "" || name == "#" {
		return nil, fmt.Errorf("invalid channel name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[name]; exists {
		return nil, fmt.Errorf("channel %s already exists", name)
	}
	c := newChannel(name, inviteOnly)
	c.members[creator] = struct{}{}
	r.channels[name] = c
	return c, nil
}

// Join adds an agent to a channel, enforcing the invite rule for private
// channels.
func (r *Registry) Join(name, agentID string) (*Channel, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("channel %s not found", Normalize(name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, already := c.members[agentID]; already {
		return c, nil
	}
	if c.inviteOnly {
		if _, invited := c.invited[agentID]; !invited {
			return nil, fmt.Errorf("channel %s is invite-only", c.name)
		}
		delete(c.invited, agentID)
	}
	c.members[agentID] = struct{}{}
	return c, nil
}

// Leave removes an agent from a channel.
func (r *Registry) Leave(name, agentID string) (*Channel, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("channel %s not found", Normalize(name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, agentID)
	return c, nil
}

// Invite marks an agent as welcome in an invite-only channel. The inviter
// must already be a member.
func (r *Registry) Invite(name, inviter, invitee string) (*Channel, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("channel %s not found", Normalize(name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, member := c.members[inviter]; !member {
		return nil, fmt.Errorf("only members can invite")
	}
	c.invited[invitee] = struct{}{}
	return c, nil
}

// DropAgent removes the agent from every channel it belongs to and returns
// the names it left. Called on disconnect.
func (r *Registry) DropAgent(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var left []string
	for name, c := range r.channels {
		c.mu.Lock()
		if _, ok := c.members[agentID]; ok {
			delete(c.members, agentID)
			left = append(left, name)
		}
		c.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// List returns a sorted snapshot of channel metadata.
func (r *Registry) List() []protocol.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ChannelInfo, 0, len(r.channels))
	for _, c := range r.channels {
		c.mu.RLock()
		out = append(out, protocol.ChannelInfo{
			Name:       c.name,
			Members:    len(c.members),
			InviteOnly: c.inviteOnly,
		})
		c.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
