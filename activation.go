package powerauth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
)

// pendingActivation holds the not-yet-committed device key pair and the
// verified server response between CreateActivation and CommitActivation.
// It lives in memory only; nothing is persisted until the commit succeeds.
type pendingActivation struct {
	devicePrivate     []byte // X25519 key agreement
	devicePublic      []byte
	signingSeed       []byte // Ed25519 identity
	signingPublic     []byte
	activationID      string
	serverPublic      []byte
	ctrSeed           []byte
	fingerprint       string
	recoveryCode      string
	recoveryPUK       string
	hasRecovery       bool
}

// ActivationParams configures CreateActivation. Exactly one of
// ActivationCode or RecoveryCode+RecoveryPUK must be set.
type ActivationParams struct {
	// ActivationCode is the code delivered out of band (QR, letter).
	ActivationCode string
	// RecoveryCode and RecoveryPUK re-create an activation after device loss.
	RecoveryCode string
	RecoveryPUK  string
	// DeviceName is a user-facing label stored server side.
	DeviceName string
}

// ActivationResult is returned by CreateActivation before commit.
type ActivationResult struct {
	ActivationID string
	// Fingerprint is the 8-digit decimal value the user compares against the
	// server-displayed one.
	Fingerprint string
	// RecoveryAvailable reports whether the server issued recovery
	// credentials; read them after commit via ActivationRecoveryData.
	RecoveryAvailable bool
}

type activationCreateRequest struct {
	ApplicationKey     string `json:"applicationKey"`
	ActivationCode     string `json:"activationCode,omitempty"`
	RecoveryCode       string `json:"recoveryCode,omitempty"`
	RecoveryPUK        string `json:"recoveryPuk,omitempty"`
	DevicePublicKey    string `json:"devicePublicKey"`
	DeviceSigningKey   string `json:"deviceSigningKey"`
	DeviceName         string `json:"deviceName,omitempty"`
}

type activationCreateResponse struct {
	ActivationID    string `json:"activationId"`
	ServerPublicKey string `json:"serverPublicKey"`
	CtrData         string `json:"ctrData"`
	// Signature is the master-key Ed25519 signature over the canonical
	// response payload; it proves the response came from the real server.
	Signature string `json:"signature"`
	Recovery  *struct {
		RecoveryCode string `json:"recoveryCode"`
		PUK          string `json:"puk"`
	} `json:"recovery,omitempty"`
}

type activationStatusRequest struct {
	ActivationID string `json:"activationId"`
}

type activationStatusResponse struct {
	// EncryptedStatusBlob is AES-GCM wrapped under the transport key.
	EncryptedStatusBlob string `json:"encryptedStatusBlob"`
}

// statusBlob is the decrypted server status payload.
type statusBlob struct {
	State            string `json:"state"` // "ACTIVE", "BLOCKED", "REMOVED", "DEADLOCK", "PENDING_COMMIT"
	FailCount        uint32 `json:"failCount"`
	MaxFailCount     uint32 `json:"maxFailCount"`
	Counter          uint64 `json:"counter"`
	UpgradeAvailable bool   `json:"upgradeAvailable"`
}

// ActivationStatusInfo is the caller-facing result of FetchActivationStatus.
type ActivationStatusInfo struct {
	Status       ActivationStatus
	FailCount    uint32
	MaxFailCount uint32
}

// CreateActivation performs the activation handshake: generates the device
// key pair, exchanges public keys with the server and verifies the response
// against the master server public key. The engine moves to the pending
// state; nothing is persisted and no factor keys exist until
// CommitActivation.
func (pa *PowerAuth) CreateActivation(ctx context.Context, params ActivationParams) (*ActivationResult, error) {
	if err := validateActivationParams(params); err != nil {
		return nil, err
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardCanStartActivation(); err != nil {
		return nil, err
	}

	devicePrivate, devicePublic, err := generateKeyAgreementPair()
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, "device key generation failed", err)
	}
	signingSeed, signingPublic, err := generateSigningPair()
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, "device signing key generation failed", err)
	}

	req := activationCreateRequest{
		ApplicationKey:   pa.cfg.ApplicationKey,
		ActivationCode:   params.ActivationCode,
		RecoveryCode:     params.RecoveryCode,
		RecoveryPUK:      params.RecoveryPUK,
		DevicePublicKey:  b64(devicePublic),
		DeviceSigningKey: b64(signingPublic),
		DeviceName:       params.DeviceName,
	}
	var resp activationCreateResponse
	if err := pa.rest.post(ctx, endpointActivationCreate, nil, &req, &resp); err != nil {
		// State remains NoActivation on any transport or server failure.
		return nil, err
	}

	serverPublic, err := b64decode(resp.ServerPublicKey)
	if err != nil || len(serverPublic) != x25519KeySize {
		return nil, newError(ErrNetwork, "malformed server public key in activation response")
	}
	ctrSeed, err := b64decode(resp.CtrData)
	if err != nil || len(ctrSeed) != ctrDataSize {
		return nil, newError(ErrNetwork, "malformed counter seed in activation response")
	}
	signature, err := b64decode(resp.Signature)
	if err != nil {
		return nil, newError(ErrNetwork, "malformed signature in activation response")
	}
	payload := activationResponsePayload(resp.ActivationID, resp.ServerPublicKey, resp.CtrData)
	if !ed25519.Verify(ed25519.PublicKey(pa.cfg.masterServerKey()), payload, signature) {
		return nil, newError(ErrServerRejected, "activation response failed master key verification")
	}

	pending := &pendingActivation{
		devicePrivate: devicePrivate,
		devicePublic:  devicePublic,
		signingSeed:   signingSeed,
		signingPublic: signingPublic,
		activationID:  resp.ActivationID,
		serverPublic:  serverPublic,
		ctrSeed:       ctrSeed,
		fingerprint:   deviceFingerprint(devicePublic, serverPublic, resp.ActivationID),
	}
	if resp.Recovery != nil {
		pending.hasRecovery = true
		pending.recoveryCode = resp.Recovery.RecoveryCode
		pending.recoveryPUK = resp.Recovery.PUK
	}
	pa.pending = pending

	pa.logger.Info().
		Str("activation_id", pending.activationID).
		Msg("Activation created, awaiting commit")

	return &ActivationResult{
		ActivationID:      pending.activationID,
		Fingerprint:       pending.fingerprint,
		RecoveryAvailable: pending.hasRecovery,
	}, nil
}

// CommitActivation derives the key hierarchy from the handshake, encrypts
// the device private keys and the knowledge factor under the supplied
// credentials and persists the activation record. The commit is atomic: if
// any persistence sub-step fails, every partial write is rolled back and the
// engine stays in the pending state.
func (pa *PowerAuth) CommitActivation(ctx context.Context, auth *Authentication) error {
	if err := auth.validate(); err != nil {
		return err
	}
	if len(auth.Password) == 0 {
		return newError(ErrInvalidParameter, "knowledge factor is required at commit")
	}

	// Gate prompt happens outside the lock; it can take arbitrarily long.
	var gateSecret []byte
	if auth.UseBiometry {
		if pa.gate == nil {
			return biometryError(BiometryUnavailable, "no biometric gate configured")
		}
		var err error
		gateSecret, err = pa.gate.Unlock(ctx, auth.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return wrapError(ErrCancelled, "biometric prompt cancelled", ctx.Err())
			}
			return err
		}
		defer zeroBytes(gateSecret)
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardCanCommit(); err != nil {
		return err
	}
	pending := pa.pending

	master, err := masterSharedSecret(pending.devicePrivate, pending.serverPublic)
	if err != nil {
		return wrapError(ErrInvalidParameter, "master secret computation failed", err)
	}
	defer zeroBytes(master)

	sigKeys, err := deriveSignatureKeys(master)
	if err != nil {
		return wrapError(ErrInvalidParameter, "signature key derivation failed", err)
	}
	defer zeroBytes(sigKeys.knowledge)
	defer zeroBytes(sigKeys.biometry)

	transportKey, err := deriveKey(master, domainTransportKey, keyIndexTransport)
	if err != nil {
		return wrapError(ErrInvalidParameter, "transport key derivation failed", err)
	}
	vaultKey, err := deriveKey(master, domainVaultKey, keyIndexVault)
	if err != nil {
		return wrapError(ErrInvalidParameter, "vault key derivation failed", err)
	}
	defer zeroBytes(vaultKey)

	salt, err := generateSalt()
	if err != nil {
		return wrapError(ErrInvalidParameter, "salt generation failed", err)
	}
	kek := stretchPassword(auth.Password, salt)
	defer zeroBytes(kek)
	encKnowledge, err := wrapKey(kek, sigKeys.knowledge, []byte("knowledge"))
	if err != nil {
		return wrapError(ErrInvalidParameter, "knowledge key wrap failed", err)
	}

	// The vault blob wraps both private keys: the key-agreement key (needed
	// to re-derive the key hierarchy, e.g. when adding the biometry factor
	// later) and the identity signing seed.
	devicePrivateBlob := make([]byte, 0, len(pending.devicePrivate)+len(pending.signingSeed))
	devicePrivateBlob = append(devicePrivateBlob, pending.devicePrivate...)
	devicePrivateBlob = append(devicePrivateBlob, pending.signingSeed...)
	encDevicePrivate, err := wrapKey(vaultKey, devicePrivateBlob, []byte("device-private"))
	zeroBytes(devicePrivateBlob)
	if err != nil {
		return wrapError(ErrInvalidParameter, "device private key wrap failed", err)
	}

	counter, err := newHashCounter(pending.ctrSeed)
	if err != nil {
		return wrapError(ErrNetwork, "server counter seed rejected", err)
	}

	rec := &activationRecord{
		ActivationID:                   pending.activationID,
		DevicePublicKey:                pending.devicePublic,
		DeviceSigningPublicKey:         pending.signingPublic,
		DeviceFingerprint:              pending.fingerprint,
		ServerPublicKey:                pending.serverPublic,
		EncryptedDevicePrivateKey:      encDevicePrivate,
		SignaturePossessionKey:         sigKeys.possession,
		EncryptedSignatureKnowledgeKey: encKnowledge,
		KnowledgeSalt:                  salt,
		TransportKey:                   transportKey,
		Counter:                        counter,
		Version:                        ProtocolV3,
		Status:                         StatusValid,
	}
	if pending.hasRecovery {
		encCode, err := wrapKey(vaultKey, []byte(pending.recoveryCode), []byte("recovery-code"))
		if err != nil {
			return wrapError(ErrInvalidParameter, "recovery code wrap failed", err)
		}
		encPUK, err := wrapKey(vaultKey, []byte(pending.recoveryPUK), []byte("recovery-puk"))
		if err != nil {
			return wrapError(ErrInvalidParameter, "recovery puk wrap failed", err)
		}
		rec.Recovery = &RecoveryData{EncryptedRecoveryCode: encCode, EncryptedRecoveryPUK: encPUK}
	}

	// Persistence, in rollback order. The biometry blob goes in first; if
	// the record write then fails the blob is removed again so no partial
	// commit survives.
	biometryWritten := false
	if auth.UseBiometry {
		wrapped, err := wrapKey(gateSecret, sigKeys.biometry, []byte("biometry"))
		if err != nil {
			return wrapError(ErrInvalidParameter, "biometry key wrap failed", err)
		}
		if err := pa.store.Set(pa.biometryStorageKey(), wrapped); err != nil {
			return wrapError(ErrCorruptedState, "biometry key persistence failed", err)
		}
		biometryWritten = true
		rec.BiometryKeyPresent = true
	}

	pa.record = rec
	if err := pa.persistRecord(); err != nil {
		pa.record = nil
		if biometryWritten {
			if rerr := pa.store.Remove(pa.biometryStorageKey()); rerr != nil {
				pa.logger.Error().Err(rerr).Msg("Rollback of biometry key failed")
				return wrapError(ErrCorruptedState, "commit rollback incomplete", rerr)
			}
		}
		return err
	}

	// Commit is durable; the handshake secrets are no longer needed.
	zeroBytes(pending.devicePrivate)
	zeroBytes(pending.signingSeed)
	pa.pending = nil

	pa.logger.Info().
		Str("activation_id", rec.ActivationID).
		Bool("biometry", rec.BiometryKeyPresent).
		Msg("Activation committed")
	return nil
}

// RemoveActivationWithAuthentication removes the activation on the server
// first and clears local state only after the server confirmed, or when the
// server reports the activation as already gone.
func (pa *PowerAuth) RemoveActivationWithAuthentication(ctx context.Context, auth *Authentication) error {
	err := pa.signedRequest(ctx, auth, uriIDActivationRemove, endpointActivationRemove, nil, nil)
	if err != nil {
		switch ServerCode(err) {
		case codeActivationNotFound, codeActivationRemoved:
			// Already removed remotely; fall through to the local clear.
		default:
			return err
		}
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.clearLocalState()
	pa.logger.Info().Msg("Activation removed")
	return nil
}

// RemoveActivationLocal drops all local activation data without contacting
// the server. Use when the server already discarded the activation.
func (pa *PowerAuth) RemoveActivationLocal() {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.clearLocalState()
	pa.logger.Info().Msg("Activation removed locally")
}

// FetchActivationStatus asks the server for the authoritative activation
// status, decrypts the status blob with the transport key and reconciles
// local state: server-side blocks and removals are mirrored, a lagging
// counter is advanced, and a pending protocol upgrade is finished.
func (pa *PowerAuth) FetchActivationStatus(ctx context.Context) (*ActivationStatusInfo, error) {
	pa.mu.Lock()
	if err := pa.guardHasActivation(); err != nil {
		pa.mu.Unlock()
		return nil, err
	}
	activationID := pa.record.ActivationID
	transportKey := pa.record.TransportKey
	pa.mu.Unlock()

	var resp activationStatusResponse
	req := activationStatusRequest{ActivationID: activationID}
	if err := pa.rest.post(ctx, endpointActivationStatus, nil, &req, &resp); err != nil {
		return nil, err
	}
	blobBytes, err := b64decode(resp.EncryptedStatusBlob)
	if err != nil {
		return nil, newError(ErrNetwork, "malformed status blob")
	}
	plaintext, err := unwrapKey(transportKey, blobBytes, []byte("status"))
	if err != nil {
		return nil, wrapError(ErrNetwork, "status blob authentication failed", err)
	}
	var blob statusBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return nil, wrapError(ErrNetwork, "status blob unreadable", err)
	}

	pa.mu.Lock()
	if pa.record == nil {
		pa.mu.Unlock()
		return nil, newError(ErrMissingActivation, "activation removed during status fetch")
	}

	status := serverStateToStatus(blob.State)
	pa.record.Status = status
	if distance, derr := pa.record.Counter.distanceTo(blob.Counter); derr == nil && distance > 0 {
		pa.record.Counter.advanceBy(distance)
		pa.logger.Info().Uint64("distance", distance).Msg("Counter advanced from server status")
	}
	if err := pa.persistRecord(); err != nil {
		pa.mu.Unlock()
		return nil, err
	}
	needUpgrade := blob.UpgradeAvailable && pa.record.Version == ProtocolV2 && status == StatusValid
	pa.mu.Unlock()

	// The upgrade performs its own signed calls, so it runs outside the
	// instance lock.
	if needUpgrade {
		if err := pa.upgradeProtocol(ctx); err != nil {
			pa.logger.Warn().Err(err).Msg("Protocol upgrade failed, will retry on next status fetch")
		}
	}

	return &ActivationStatusInfo{
		Status:       status,
		FailCount:    blob.FailCount,
		MaxFailCount: blob.MaxFailCount,
	}, nil
}

func serverStateToStatus(state string) ActivationStatus {
	switch strings.ToUpper(state) {
	case "ACTIVE":
		return StatusValid
	case "BLOCKED":
		return StatusBlocked
	case "REMOVED":
		return StatusRemoved
	case "DEADLOCK":
		return StatusDeadlock
	case "PENDING_COMMIT":
		return StatusPendingCreation
	default:
		return StatusRemoved
	}
}

func validateActivationParams(params ActivationParams) error {
	hasCode := params.ActivationCode != ""
	hasRecovery := params.RecoveryCode != "" && params.RecoveryPUK != ""
	if hasCode == hasRecovery {
		return newError(ErrInvalidParameter, "exactly one of activation code or recovery code+puk is required")
	}
	return nil
}

// activationResponsePayload is the canonical byte string signed by the
// server's master key.
func activationResponsePayload(activationID, serverPublicKey, ctrData string) []byte {
	return []byte(strings.Join([]string{activationID, serverPublicKey, ctrData}, "&"))
}
