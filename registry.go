package powerauth

import "sync"

// registry owns the process-wide mapping from instance identifier to engine
// instance. Configuration is write-once per identifier: concurrent Configure
// calls resolve so that exactly one wins and the rest fail with
// AlreadyConfigured.
type registry struct {
	mu        sync.Mutex
	instances map[string]*PowerAuth
}

var defaultRegistry = &registry{instances: make(map[string]*PowerAuth)}

// Configure creates and registers the engine instance for
// cfg.InstanceID. A second call for the same identifier fails with
// AlreadyConfigured and leaves the first configuration untouched.
func Configure(cfg *Configuration, deps Dependencies) (*PowerAuth, error) {
	if cfg == nil {
		return nil, newError(ErrInvalidParameter, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[cfg.InstanceID]; ok {
		return nil, newError(ErrAlreadyConfigured, "instance already configured: "+cfg.InstanceID)
	}
	pa, err := newPowerAuth(cfg, deps)
	if err != nil {
		return nil, err
	}
	r.instances[cfg.InstanceID] = pa
	return pa, nil
}

// Instance returns the configured engine for the identifier.
func Instance(instanceID string) (*PowerAuth, error) {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	pa, ok := r.instances[instanceID]
	if !ok {
		return nil, newError(ErrNotConfigured, "instance not configured: "+instanceID)
	}
	return pa, nil
}

// IsConfigured reports whether an engine exists for the identifier.
func IsConfigured(instanceID string) bool {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[instanceID]
	return ok
}

// Deconfigure tears down the engine for the identifier. Persisted activation
// state is kept; a later Configure with the same storage picks it up again.
func Deconfigure(instanceID string) error {
	r := defaultRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[instanceID]; !ok {
		return newError(ErrNotConfigured, "instance not configured: "+instanceID)
	}
	delete(r.instances, instanceID)
	return nil
}
