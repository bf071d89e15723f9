package party

import "sync"

// Binding is what the registry knows about a live connection.
type Binding struct {
	RoomID   string
	Username string
	IsHost   bool
}

// Registry maps live connection ids to their room identity. It is purely
// in-memory and rebuilt from nothing on restart; active connections do not
// survive a restart. A connection id binds at most once at a time.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

func (r *Registry) Bind(connID, roomID, username string, isHost bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[connID] = Binding{RoomID: roomID, Username: username, IsHost: isHost}
}

// Unbind removes and returns the binding. The second return is false if the
// connection was not bound, which makes disconnect handling idempotent.
func (r *Registry) Unbind(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[connID]
	if ok {
		delete(r.bindings, connID)
	}
	return b, ok
}

func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[connID]
	return b, ok
}
