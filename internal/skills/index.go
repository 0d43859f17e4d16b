// Package skills maintains the searchable skill registry agents advertise
// through REGISTER_SKILLS.
package skills

import (
	"sort"
	"strings"
	"sync"
)

// MaxSkills bounds one agent's advertised list.
const MaxSkills = 32

// Index maps agents to their advertised skills.
type Index struct {
	mu      sync.RWMutex
	byAgent map[string][]string
}

// NewIndex builds an empty index.
func NewIndex() *Index {
	return &Index{byAgent: make(map[string][]string)}
}

// Register replaces the agent's advertised skills. Skills are lowercased,
// trimmed and deduplicated; empty entries are dropped.
func (i *Index) Register(agentID string, skills []string) []string {
	seen := make(map[string]struct{})
	clean := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
		if len(clean) == MaxSkills {
			break
		}
	}
	sort.Strings(clean)

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(clean) == 0 {
		delete(i.byAgent, agentID)
	} else {
		i.byAgent[agentID] = clean
	}
	return clean
}

// Skills returns the agent's advertised list.
func (i *Index) Skills(agentID string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]string(nil), i.byAgent[agentID]...)
}

// Drop removes an agent from the index. Called on disconnect.
func (i *Index) Drop(agentID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.byAgent, agentID)
}

// Search returns the agents whose skills match the query by substring,
// sorted by agent-id. An empty query matches nobody.
func (i *Index) Search(query string) map[string][]string {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make(map[string][]string)
	if query == "" {
		return out
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	for agent, list := range i.byAgent {
		for _, s := range list {
			if strings.Contains(s, query) {
				out[agent] = append([]string(nil), list...)
				break
			}
		}
	}
	return out
}
