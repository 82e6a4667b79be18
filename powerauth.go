// Package powerauth implements the device-resident core of the PowerAuth
// protocol: activation lifecycle, the multi-factor signature engine, the
// vault unlock protocol and token-based lightweight authentication.
//
// The package is the client engine only. The server counterpart, platform
// biometric dialogs, persistent storage backends and HTTP retry policy are
// external collaborators consumed through the Transport, SecureStorage and
// BiometricGate interfaces.
package powerauth

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SecureStorage is the persistent key-value store holding activation state
// and wrapped key material. Implementations must scope data so that two
// engine instances never see each other's keys, and Set/Remove must be
// atomic with respect to process crash. A missing key yields (nil, nil).
type SecureStorage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// EncryptionReporter is optionally implemented by SecureStorage backends
// that encrypt at rest. When the keychain configuration requires encryption,
// backends that do not report it are rejected at Configure time.
type EncryptionReporter interface {
	EncryptedAtRest() bool
}

// BiometricGate produces the biometric wrapping secret after a successful
// platform biometric prompt. Unlock may suspend for as long as the user
// keeps the dialog open; it must honor context cancellation.
type BiometricGate interface {
	Unlock(ctx context.Context, prompt BiometryPrompt) ([]byte, error)
}

// Dependencies are the collaborators injected at Configure time.
type Dependencies struct {
	// Storage is required.
	Storage SecureStorage
	// Transport defaults to NewHTTPTransport(cfg.Client) when nil.
	Transport Transport
	// Gate may be nil when the application never uses the biometry factor.
	Gate BiometricGate
}

// PowerAuth is one activation engine instance. Exactly one instance exists
// per instance identifier for the lifetime of its configuration; obtain it
// through Configure or Instance, never construct it directly.
//
// All state-transition and signature-producing operations serialize on the
// instance mutex: the signature counter and the persisted record are a
// single mutable resource.
type PowerAuth struct {
	cfg          *Configuration
	store        SecureStorage
	gate         BiometricGate
	rest         *restClient
	logger       zerolog.Logger
	integrityKey []byte

	mu      sync.Mutex
	record  *activationRecord
	pending *pendingActivation
	tokens  *tokenCache
}

func newPowerAuth(cfg *Configuration, deps Dependencies) (*PowerAuth, error) {
	if deps.Storage == nil {
		return nil, newError(ErrInvalidParameter, "secure storage is required")
	}
	if cfg.Keychain.RequireEncryption {
		reporter, ok := deps.Storage.(EncryptionReporter)
		if !ok || !reporter.EncryptedAtRest() {
			return nil, newError(ErrInsufficientStorageProtection, "storage backend does not encrypt at rest")
		}
	}
	transport := deps.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.Client)
	}

	logger := log.With().Str("instance_id", cfg.InstanceID).Logger()
	pa := &PowerAuth{
		cfg:          cfg,
		store:        deps.Storage,
		gate:         deps.Gate,
		logger:       logger,
		integrityKey: cfg.stateIntegrityKey(),
	}
	pa.rest = newRestClient(cfg, transport, logger)
	pa.tokens = newTokenCache()

	if err := pa.loadRecord(); err != nil {
		// Integrity failure on the persisted record forces local removal
		// semantics: the record is gone, the engine starts without one.
		logger.Error().Err(err).Msg("Persisted activation record corrupted, clearing local state")
		pa.clearLocalState()
	}
	return pa, nil
}

// storage key layout, scoped by instance identifier
func (pa *PowerAuth) activationStorageKey() string { return pa.cfg.InstanceID + ".activation" }
func (pa *PowerAuth) biometryStorageKey() string   { return pa.cfg.InstanceID + ".biometry" }
func (pa *PowerAuth) tokenStorageKey(name string) string {
	return pa.cfg.InstanceID + ".token." + name
}
func (pa *PowerAuth) tokenIndexStorageKey() string { return pa.cfg.InstanceID + ".token-index" }

// loadRecord restores the activation record from the secure store.
func (pa *PowerAuth) loadRecord() error {
	blob, err := pa.store.Get(pa.activationStorageKey())
	if err != nil {
		return wrapError(ErrCorruptedState, "failed to read activation record", err)
	}
	if blob == nil {
		return nil
	}
	rec, err := deserializeRecord(blob, pa.integrityKey)
	if err != nil {
		return err
	}
	pa.record = rec
	pa.logger.Info().
		Str("activation_id", rec.ActivationID).
		Str("status", rec.Status.String()).
		Msg("Activation record restored")
	return nil
}

// persistRecord writes the current record to the secure store. This is the
// serialization point for counter advancement: a signature result is only
// returned to the caller after this succeeds.
func (pa *PowerAuth) persistRecord() error {
	blob, err := serializeRecord(pa.record, pa.integrityKey)
	if err != nil {
		return err
	}
	if err := pa.store.Set(pa.activationStorageKey(), blob); err != nil {
		return wrapError(ErrCorruptedState, "failed to persist activation record", err)
	}
	return nil
}

// clearLocalState drops the record, wrapped biometry key and cached tokens.
func (pa *PowerAuth) clearLocalState() {
	if err := pa.store.Remove(pa.activationStorageKey()); err != nil {
		pa.logger.Warn().Err(err).Msg("Failed to remove activation record from storage")
	}
	if err := pa.store.Remove(pa.biometryStorageKey()); err != nil {
		pa.logger.Warn().Err(err).Msg("Failed to remove biometry key from storage")
	}
	pa.removeAllLocalTokens()
	pa.record = nil
	pa.pending = nil
}

// HasValidActivation reports whether a committed activation in the Valid
// status is present.
func (pa *PowerAuth) HasValidActivation() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.record != nil && pa.record.Status == StatusValid
}

// CanStartActivation reports whether CreateActivation may be called.
func (pa *PowerAuth) CanStartActivation() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.guardCanStartActivation() == nil
}

// HasPendingActivation reports whether an activation awaits commit.
func (pa *PowerAuth) HasPendingActivation() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.pending != nil
}

// ActivationID returns the server-assigned activation identifier, or ""
// when no committed activation exists.
func (pa *PowerAuth) ActivationID() string {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record == nil {
		return ""
	}
	return pa.record.ActivationID
}

// ActivationFingerprint returns the device fingerprint of the committed or
// pending activation, or "".
func (pa *PowerAuth) ActivationFingerprint() string {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record != nil {
		return pa.record.DeviceFingerprint
	}
	if pa.pending != nil {
		return pa.pending.fingerprint
	}
	return ""
}

// ProtocolVersion returns the protocol version of the committed activation.
func (pa *PowerAuth) ProtocolVersion() ProtocolVersion {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record == nil {
		return ProtocolV3
	}
	return pa.record.Version
}
