package session

import "sync"

// Manager owns the session contexts, keyed by session id. Get never fails; a
// first-seen session id lazily creates its context.
//
// Lock ordering: the orchestrator serializes utterances per session by
// holding the per-session work lock (Acquire) for the whole pipeline run, so
// context writes happen in arrival order even when the transport delivers
// requests concurrently.
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*Context
	work     map[string]*sync.Mutex
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		contexts: make(map[string]*Context),
		work:     make(map[string]*sync.Mutex),
	}
}

// Get returns the context for a session, creating it on first use.
func (m *Manager) Get(sessionID string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[sessionID]
	if !ok {
		ctx = newContext(sessionID)
		m.contexts[sessionID] = ctx
	}
	return ctx
}

// Acquire locks the per-session work mutex, establishing single-writer
// discipline for the caller. The returned function releases it.
func (m *Manager) Acquire(sessionID string) func() {
	m.mu.Lock()
	lock, ok := m.work[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.work[sessionID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
