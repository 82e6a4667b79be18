package powerauth

import (
	"context"
	"sync"
)

// HasBiometryFactor reports whether a biometry-protected signature key is
// configured for the activation.
func (pa *PowerAuth) HasBiometryFactor() bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.record != nil && pa.record.BiometryKeyPresent
}

// AddBiometryFactor creates the biometry signature key for an activation
// committed without one. The key hierarchy is re-derived from the device
// private key, which requires a vault unlock authorized by the knowledge
// factor, and the resulting biometry key is wrapped under a fresh biometric
// gate secret.
func (pa *PowerAuth) AddBiometryFactor(ctx context.Context, auth *Authentication, prompt BiometryPrompt) error {
	if err := auth.validate(); err != nil {
		return err
	}
	if len(auth.Password) == 0 {
		return newError(ErrInvalidParameter, "knowledge factor is required to add biometry")
	}
	if pa.gate == nil {
		return biometryError(BiometryUnavailable, "no biometric gate configured")
	}
	if pa.HasBiometryFactor() {
		return newError(ErrInvalidActivationState, "biometry factor already present")
	}

	// Gate prompt first, outside the lock, so a cancelled dialog costs
	// nothing.
	gateSecret, err := pa.gate.Unlock(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return wrapError(ErrCancelled, "biometric prompt cancelled", ctx.Err())
		}
		return err
	}
	defer zeroBytes(gateSecret)

	vaultKey, err := pa.unlockVault(ctx, auth, vaultReasonAddBiometry)
	if err != nil {
		return err
	}
	defer zeroBytes(vaultKey)

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardValidActivation(); err != nil {
		return err
	}
	rec := pa.record

	blob, err := unwrapKey(vaultKey, rec.EncryptedDevicePrivateKey, []byte("device-private"))
	if err != nil {
		return wrapError(ErrCorruptedState, "device private key unwrap failed", err)
	}
	defer zeroBytes(blob)

	master, err := masterSharedSecret(blob[:x25519KeySize], rec.ServerPublicKey)
	if err != nil {
		return wrapError(ErrCorruptedState, "master secret recomputation failed", err)
	}
	defer zeroBytes(master)
	sigKeys, err := deriveSignatureKeys(master)
	if err != nil {
		return wrapError(ErrCorruptedState, "signature key derivation failed", err)
	}
	defer zeroBytes(sigKeys.biometry)
	defer zeroBytes(sigKeys.knowledge)
	defer zeroBytes(sigKeys.possession)

	wrapped, err := wrapKey(gateSecret, sigKeys.biometry, []byte("biometry"))
	if err != nil {
		return wrapError(ErrInvalidParameter, "biometry key wrap failed", err)
	}
	if err := pa.store.Set(pa.biometryStorageKey(), wrapped); err != nil {
		return wrapError(ErrCorruptedState, "biometry key persistence failed", err)
	}

	rec.BiometryKeyPresent = true
	if err := pa.persistRecord(); err != nil {
		rec.BiometryKeyPresent = false
		if rerr := pa.store.Remove(pa.biometryStorageKey()); rerr != nil {
			pa.logger.Error().Err(rerr).Msg("Rollback of biometry key failed")
			return wrapError(ErrCorruptedState, "biometry rollback incomplete", rerr)
		}
		return err
	}
	pa.logger.Info().Msg("Biometry factor added")
	return nil
}

// RemoveBiometryFactor deletes the biometry-protected key material.
func (pa *PowerAuth) RemoveBiometryFactor() error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardValidActivation(); err != nil {
		return err
	}
	if !pa.record.BiometryKeyPresent {
		return newError(ErrInvalidActivationState, "no biometry factor to remove")
	}
	if err := pa.store.Remove(pa.biometryStorageKey()); err != nil {
		return wrapError(ErrCorruptedState, "biometry key removal failed", err)
	}
	pa.record.BiometryKeyPresent = false
	if err := pa.persistRecord(); err != nil {
		return err
	}
	pa.logger.Info().Msg("Biometry factor removed")
	return nil
}

// ReusableAuthentication is a scope in which one biometric gate unlock is
// shared by multiple signed calls without re-prompting. The unlocked key
// material lives exactly as long as the scope: End zeroes it, and every
// descriptor handed out stops working at that point.
//
// Caller contract: when a call signed with the reusable descriptor comes
// back with an authentication rejection, stop. The engine never auto-retries
// inside a scope, but a caller loop that keeps resubmitting will walk the
// activation into the server-side block threshold.
type ReusableAuthentication struct {
	mu    sync.Mutex
	key   []byte
	ended bool
}

// BeginReusableAuthentication performs exactly one biometric gate unlock and
// returns the scope holding the unlocked biometry key. Always call End,
// whether the grouped calls succeeded or not.
func (pa *PowerAuth) BeginReusableAuthentication(ctx context.Context, prompt BiometryPrompt) (*ReusableAuthentication, error) {
	key, err := pa.unlockBiometryKey(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &ReusableAuthentication{key: key}, nil
}

// Descriptor returns an authentication descriptor bound to the scope's key
// material. Nil after End.
func (r *ReusableAuthentication) Descriptor() *Authentication {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return nil
	}
	return &Authentication{
		UsePossession: true,
		UseBiometry:   true,
		biometryKey:   r.key,
	}
}

// End closes the scope and destroys the unlocked key material.
func (r *ReusableAuthentication) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	zeroBytes(r.key)
	r.key = nil
	r.ended = true
}
