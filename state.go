package powerauth

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ActivationStatus is the lifecycle state of the device binding.
type ActivationStatus int

const (
	StatusNoActivation ActivationStatus = iota
	StatusPendingCreation
	StatusValid
	StatusBlocked
	StatusRemoved
	StatusDeadlock
)

func (s ActivationStatus) String() string {
	switch s {
	case StatusNoActivation:
		return "no_activation"
	case StatusPendingCreation:
		return "pending_creation"
	case StatusValid:
		return "valid"
	case StatusBlocked:
		return "blocked"
	case StatusRemoved:
		return "removed"
	case StatusDeadlock:
		return "deadlock"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ProtocolVersion selects the signature format and counter representation.
type ProtocolVersion uint8

const (
	ProtocolV2 ProtocolVersion = 2
	ProtocolV3 ProtocolVersion = 3
)

// RecoveryData carries the server-issued recovery credentials, both blobs
// wrapped under the vault key. Present only when the server issued them at
// activation time.
type RecoveryData struct {
	EncryptedRecoveryCode []byte `cbor:"1,keyasint"`
	EncryptedRecoveryPUK  []byte `cbor:"2,keyasint"`
}

// activationRecord is the persisted device binding. Everything the engine
// needs to sign requests after a restart lives here; the master shared
// secret itself is never stored.
//
// Key material at rest:
//   - SignaturePossessionKey is protected only by the secure store's at-rest
//     encryption (possession == access to this device's storage).
//   - EncryptedSignatureKnowledgeKey is wrapped under Argon2id(password, KnowledgeSalt).
//   - The biometry signature key is not in the record at all; it lives in the
//     secure store under its own key, wrapped by the biometric gate secret.
//   - EncryptedDevicePrivateKey wraps the X25519 key-agreement private key
//     and the Ed25519 identity seed under the vault key, which only a vault
//     unlock round trip can produce.
type activationRecord struct {
	ActivationID                   string            `cbor:"1,keyasint"`
	DevicePublicKey                []byte            `cbor:"2,keyasint"`
	DeviceSigningPublicKey         []byte            `cbor:"3,keyasint"`
	DeviceFingerprint              string            `cbor:"4,keyasint"`
	ServerPublicKey                []byte            `cbor:"5,keyasint"`
	EncryptedDevicePrivateKey      []byte            `cbor:"6,keyasint"`
	SignaturePossessionKey         []byte            `cbor:"7,keyasint"`
	EncryptedSignatureKnowledgeKey []byte            `cbor:"8,keyasint"`
	KnowledgeSalt                  []byte            `cbor:"9,keyasint"`
	TransportKey                   []byte            `cbor:"10,keyasint"`
	Counter                        *signatureCounter `cbor:"11,keyasint"`
	BiometryKeyPresent             bool              `cbor:"12,keyasint"`
	Recovery                       *RecoveryData     `cbor:"13,keyasint,omitempty"`
	Version                        ProtocolVersion   `cbor:"14,keyasint"`
	Status                         ActivationStatus  `cbor:"15,keyasint"`
	FailedAttempts                 uint32            `cbor:"16,keyasint"`
}

// stateEnvelope is what actually hits the secure store: the CBOR-encoded
// record plus an HMAC-SHA256 tag so a tampered or truncated record is
// detected before any of its key material is trusted.
type stateEnvelope struct {
	Payload []byte `cbor:"1,keyasint"`
	Tag     []byte `cbor:"2,keyasint"`
}

var stateEncMode cbor.EncMode

func init() {
	var err error
	stateEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder setup: %v", err))
	}
}

// serializeRecord encodes and seals the record with the integrity key.
func serializeRecord(rec *activationRecord, integrityKey []byte) ([]byte, error) {
	payload, err := stateEncMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode activation record: %w", err)
	}
	env := stateEnvelope{
		Payload: payload,
		Tag:     hmacSHA256(integrityKey, payload),
	}
	blob, err := stateEncMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state envelope: %w", err)
	}
	return blob, nil
}

// deserializeRecord verifies the integrity tag and decodes the record.
// Any failure is reported as CorruptedState; the caller must treat the
// persisted record as lost.
func deserializeRecord(blob, integrityKey []byte) (*activationRecord, error) {
	var env stateEnvelope
	if err := cbor.Unmarshal(blob, &env); err != nil {
		return nil, wrapError(ErrCorruptedState, "activation record envelope unreadable", err)
	}
	if !timingSafeEqual(env.Tag, hmacSHA256(integrityKey, env.Payload)) {
		return nil, newError(ErrCorruptedState, "activation record integrity check failed")
	}
	var rec activationRecord
	if err := cbor.Unmarshal(env.Payload, &rec); err != nil {
		return nil, wrapError(ErrCorruptedState, "activation record unreadable", err)
	}
	if rec.Counter == nil {
		return nil, newError(ErrCorruptedState, "activation record has no counter")
	}
	return &rec, nil
}
