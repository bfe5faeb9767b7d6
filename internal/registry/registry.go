// Package registry defines the agent-registry collaborator boundary: the
// lookup that enriches audit records with department and team metadata.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for unregistered agent identifiers. Callers
// degrade enrichment (department "Unknown") instead of failing the request.
var ErrNotFound = errors.New("agent not found")

// UnknownDepartment is the department recorded for unregistered agents.
const UnknownDepartment = "Unknown"

// AgentInfo is the registry's view of one agent.
type AgentInfo struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name,omitempty"`
	Department string `json:"department"`
	Team       string `json:"team,omitempty"`
	Active     bool   `json:"is_active"`
}

// Registry supplies agent metadata. Implementations must be safe for
// concurrent use.
type Registry interface {
	Lookup(ctx context.Context, agentID string) (AgentInfo, error)
}

// Static is an in-memory registry seeded from configuration.
type Static struct {
	mu     sync.RWMutex
	agents map[string]AgentInfo
}

// NewStatic creates a registry from the given agent set.
func NewStatic(agents map[string]AgentInfo) *Static {
	copied := make(map[string]AgentInfo, len(agents))
	for id, info := range agents {
		info.AgentID = id
		copied[id] = info
	}
	return &Static{agents: copied}
}

// Lookup returns the agent's metadata or ErrNotFound.
func (s *Static) Lookup(_ context.Context, agentID string) (AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.agents[agentID]
	if !ok {
		return AgentInfo{}, ErrNotFound
	}
	return info, nil
}

// Replace swaps the full agent set, for config hot reload.
func (s *Static) Replace(agents map[string]AgentInfo) {
	copied := make(map[string]AgentInfo, len(agents))
	for id, info := range agents {
		info.AgentID = id
		copied[id] = info
	}
	s.mu.Lock()
	s.agents = copied
	s.mu.Unlock()
}

// List returns all registered agents sorted by id.
func (s *Static) List() []AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, info := range s.agents {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
