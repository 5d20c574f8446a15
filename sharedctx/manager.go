package sharedctx

import (
	"sync"

	"github.com/opensentinel/collab/core"
	"github.com/opensentinel/collab/logging"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Backend shared by every context instance. Defaults to an in-memory
	// backend.
	Backend core.ContextBackend

	// Memory passed through to created instances for PersistToMemory.
	Memory core.MemoryStore

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager hands out SharedContext instances over one backend. It replaces a
// process-wide registry with an explicit object passed by reference so
// multiple isolated coordinator setups can run concurrently, including in
// tests.
type Manager struct {
	backend core.ContextBackend
	memory  core.MemoryStore
	logger  logging.Logger

	mu        sync.Mutex
	instances map[string]*SharedContext
}

// NewManager creates a Manager with optional overrides.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Backend: NewInMemoryBackend(),
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		backend:   opts.Backend,
		memory:    opts.Memory,
		logger:    opts.Logger,
		instances: make(map[string]*SharedContext),
	}
}

// Context returns the instance for contextID, creating it on first use. Every
// call with the same id from this manager returns the same instance; separate
// managers sharing a backend return separate instances with independent
// caches.
func (m *Manager) Context(contextID, userID string) *SharedContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.instances[contextID]; ok {
		return sc
	}
	sc := New(contextID, userID, m.backend, func(o *Options) {
		o.Logger = m.logger
		o.Memory = m.memory
	})
	m.instances[contextID] = sc
	return sc
}

// Release disconnects and drops the instance for contextID. Backend data is
// preserved; a later Context call builds a fresh instance over it.
func (m *Manager) Release(contextID string) {
	m.mu.Lock()
	sc, ok := m.instances[contextID]
	delete(m.instances, contextID)
	m.mu.Unlock()
	if ok {
		sc.Disconnect()
	}
}

// Backend exposes the shared backend, mainly for wiring and tests.
func (m *Manager) Backend() core.ContextBackend { return m.backend }
