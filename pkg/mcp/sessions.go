package mcp

import "sync"

// SessionRegistry maps agent IDs to MCP session IDs, and instances to the
// agent that started them. Populated when agents call flowpilot.start with
// an agent_id.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]string // agentID → sessionID
	instances map[string]string // instanceID → agentID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[string]string),
		instances: make(map[string]string),
	}
}

// Register associates an agent ID with a session ID.
// If the agent already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = sessionID
}

// SessionFor returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[agentID]
	return sid, ok
}

// Watch records that agentID wants lifecycle notifications for instanceID.
func (r *SessionRegistry) Watch(instanceID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[instanceID] = agentID
}

// WatcherOf returns the agent watching instanceID.
func (r *SessionRegistry) WatcherOf(instanceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aid, ok := r.instances[instanceID]
	return aid, ok
}

// Unwatch stops notifications for a finished instance.
func (r *SessionRegistry) Unwatch(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
}

// Remove deletes all agent mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}
