package netpipefs

import "sync"

// Registry maps each live path to its pipe. Its single invariant is that
// a live key maps to exactly one pipe; pipes remove themselves once no
// participant remains and nothing is in flight.
//
// Lock order: the registry mutex is always taken before any pipe mutex,
// and never while one is held.
type Registry struct {
	mu    sync.Mutex
	pipes map[string]*Pipe
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pipes: make(map[string]*Pipe)}
}

// Get returns the pipe for path, or nil.
func (r *Registry) Get(path string) *Pipe {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipes[path]
}

// GetOrCreate returns the pipe for path, inserting a fresh unopened one
// atomically when none exists. It reports whether the pipe was created
// by this call.
func (r *Registry) GetOrCreate(path string, create func() *Pipe) (*Pipe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pipes[path]; ok {
		return p, false
	}
	p := create()
	r.pipes[path] = p
	return p, true
}

// Remove detaches the pipe from the registry. The identity check keeps a
// stale teardown from evicting a newer pipe created for the same path.
func (r *Registry) Remove(path string, p *Pipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pipes[path]; ok && (p == nil || cur == p) {
		delete(r.pipes, path)
	}
}

// Paths returns the live keys.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.pipes))
	for path := range r.pipes {
		paths = append(paths, path)
	}
	return paths
}

// Len returns how many pipes are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pipes)
}

// Shutdown force-exits every pipe so that all blocked operations unblock
// with a terminal error. The pipe locks are taken only after the
// registry lock has been released.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	pipes := make([]*Pipe, 0, len(r.pipes))
	for _, p := range r.pipes {
		pipes = append(pipes, p)
	}
	r.mu.Unlock()

	for _, p := range pipes {
		p.ForceExit()
	}
}
