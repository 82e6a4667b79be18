package powerauth

import (
	"context"
	"crypto/ed25519"
)

// Vault unlock reasons transmitted to the server for audit purposes.
const (
	vaultReasonFetchKey     = "FETCH_ENCRYPTION_KEY"
	vaultReasonSignData     = "SIGN_WITH_DEVICE_PRIVATE_KEY"
	vaultReasonRecoveryData = "RECOVERY_DATA"
	vaultReasonAddBiometry  = "ADD_BIOMETRY"
)

type vaultUnlockRequest struct {
	Reason string `json:"reason"`
	// EphemeralPublicKey is a fresh X25519 public key generated for this
	// single request. The server encrypts the vault key to it, so a captured
	// response cannot be opened once the matching private key is gone.
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
}

type vaultUnlockResponse struct {
	// EncryptedVaultKey carries the vault key ECIES-encrypted to the
	// request's ephemeral public key.
	EncryptedVaultKey string `json:"encryptedVaultKey"`
}

// RecoveryCredentials are the decrypted recovery code and PUK.
type RecoveryCredentials struct {
	RecoveryCode string
	PUK          string
}

// unlockVault retrieves the vault encryption key from the server. The unlock
// request itself is a fully signed call, so the vault protocol sits strictly
// on top of the signature engine. The returned key is valid for the scope of
// one operation; callers zero it when done.
func (pa *PowerAuth) unlockVault(ctx context.Context, auth *Authentication, reason string) ([]byte, error) {
	ephemeralPrivate, ephemeralPublic, err := generateKeyAgreementPair()
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, "ephemeral key generation failed", err)
	}
	defer zeroBytes(ephemeralPrivate)

	var resp vaultUnlockResponse
	req := vaultUnlockRequest{Reason: reason, EphemeralPublicKey: b64(ephemeralPublic)}
	if err := pa.signedRequest(ctx, auth, uriIDVaultUnlock, endpointVaultUnlock, &req, &resp); err != nil {
		return nil, err
	}
	blob, err := b64decode(resp.EncryptedVaultKey)
	if err != nil {
		return nil, newError(ErrNetwork, "malformed vault key in unlock response")
	}
	vaultKey, err := eciesDecrypt(ephemeralPrivate, blob)
	if err != nil {
		return nil, wrapError(ErrNetwork, "vault key decryption failed", err)
	}
	return vaultKey, nil
}

// FetchEncryptionKey derives the indexed application data-encryption key.
// The key is stable for a given index across calls, so applications can use
// it to encrypt local data without storing the key itself anywhere.
func (pa *PowerAuth) FetchEncryptionKey(ctx context.Context, auth *Authentication, index uint64) ([]byte, error) {
	vaultKey, err := pa.unlockVault(ctx, auth, vaultReasonFetchKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(vaultKey)
	return deriveKey(vaultKey, domainAppDataKey, keyIndexAppData+index)
}

// SignDataWithDevicePrivateKey signs data with the device identity key. The
// encrypted private key blob is opened with the vault key for the scope of
// this single call and zeroed immediately after.
func (pa *PowerAuth) SignDataWithDevicePrivateKey(ctx context.Context, auth *Authentication, data []byte) ([]byte, error) {
	vaultKey, err := pa.unlockVault(ctx, auth, vaultReasonSignData)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(vaultKey)

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardValidActivation(); err != nil {
		return nil, err
	}
	blob, err := unwrapKey(vaultKey, pa.record.EncryptedDevicePrivateKey, []byte("device-private"))
	if err != nil {
		return nil, wrapError(ErrCorruptedState, "device private key unwrap failed", err)
	}
	defer zeroBytes(blob)
	if len(blob) != x25519KeySize+ed25519.SeedSize {
		return nil, newError(ErrCorruptedState, "device private key blob has unexpected size")
	}

	seed := blob[x25519KeySize:]
	private := ed25519.NewKeyFromSeed(seed)
	signature := ed25519.Sign(private, data)
	zeroBytes(private)
	return signature, nil
}

// ActivationRecoveryData decrypts and returns the recovery credentials
// issued at activation time. Fails when the server issued none.
func (pa *PowerAuth) ActivationRecoveryData(ctx context.Context, auth *Authentication) (*RecoveryCredentials, error) {
	pa.mu.Lock()
	hasRecovery := pa.record != nil && pa.record.Recovery != nil
	pa.mu.Unlock()
	if !hasRecovery {
		return nil, newError(ErrInvalidActivationState, "activation has no recovery data")
	}

	vaultKey, err := pa.unlockVault(ctx, auth, vaultReasonRecoveryData)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(vaultKey)

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.record == nil || pa.record.Recovery == nil {
		return nil, newError(ErrInvalidActivationState, "recovery data removed during unlock")
	}
	code, err := unwrapKey(vaultKey, pa.record.Recovery.EncryptedRecoveryCode, []byte("recovery-code"))
	if err != nil {
		return nil, wrapError(ErrCorruptedState, "recovery code unwrap failed", err)
	}
	puk, err := unwrapKey(vaultKey, pa.record.Recovery.EncryptedRecoveryPUK, []byte("recovery-puk"))
	if err != nil {
		return nil, wrapError(ErrCorruptedState, "recovery puk unwrap failed", err)
	}
	return &RecoveryCredentials{RecoveryCode: string(code), PUK: string(puk)}, nil
}

type recoveryConfirmRequest struct {
	RecoveryCode string `json:"recoveryCode"`
}

// ConfirmRecoveryCode tells the server the user has safely written down the
// recovery code, activating it for future use.
func (pa *PowerAuth) ConfirmRecoveryCode(ctx context.Context, auth *Authentication, recoveryCode string) error {
	if recoveryCode == "" {
		return newError(ErrInvalidParameter, "recovery code is required")
	}
	req := recoveryConfirmRequest{RecoveryCode: recoveryCode}
	return pa.signedRequest(ctx, auth, uriIDRecoveryConfirm, endpointRecoveryConfirm, &req, nil)
}
