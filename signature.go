package powerauth

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"
)

// SignatureHeaderKey is the HTTP header carrying the multi-factor signature.
const SignatureHeaderKey = "X-PowerAuth-Authorization"

// protocolVersionLabel is advertised in the signature header.
const protocolVersionLabel = "3.1"

// BiometryPrompt is what the biometric gate shows to the user.
type BiometryPrompt struct {
	Title   string
	Message string
}

// Authentication describes which factors authorize a single signed call.
// It is ephemeral: construct a fresh value per call, except for descriptors
// produced by a reusable biometric scope.
type Authentication struct {
	// UsePossession must be true: every signature includes the device
	// possession factor.
	UsePossession bool
	// Password supplies the knowledge factor. Nil means knowledge unused.
	Password []byte
	// UseBiometry requests the biometry factor. Unless the descriptor came
	// from a reusable scope this triggers one biometric gate prompt.
	UseBiometry bool
	// Prompt configures that gate prompt.
	Prompt BiometryPrompt

	// biometryKey is pre-unlocked key material injected by a reusable
	// authentication scope. Never set by callers.
	biometryKey []byte
}

// signatureType is the factor combination label transmitted in the header.
func (a *Authentication) signatureType() string {
	parts := []string{"possession"}
	if len(a.Password) > 0 {
		parts = append(parts, "knowledge")
	}
	if a.UseBiometry {
		parts = append(parts, "biometry")
	}
	return strings.Join(parts, "_")
}

func (a *Authentication) validate() error {
	if a == nil {
		return newError(ErrInvalidParameter, "authentication is required")
	}
	if !a.UsePossession {
		return newError(ErrInvalidParameter, "possession factor is mandatory")
	}
	return nil
}

// SignatureHeader is the result of a successful signature computation.
type SignatureHeader struct {
	// Key and Value form the HTTP header to attach to the signed request.
	Key   string
	Value string
	// CounterEpoch is the counter index consumed by this signature.
	CounterEpoch uint64
}

// RequestSignature computes the online signature header for an HTTP request
// with a body. The signature counter advances by exactly one and is
// persisted before the header is returned; a cancelled context before that
// point leaves persisted state untouched.
func (pa *PowerAuth) RequestSignature(ctx context.Context, auth *Authentication, method, uriID string, body []byte) (*SignatureHeader, error) {
	if err := auth.validate(); err != nil {
		return nil, err
	}
	biometryKey, err := pa.resolveBiometryKey(ctx, auth)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(biometryKey)

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.computeSignatureLocked(ctx, auth, biometryKey, method, uriID, nonce, body, false)
}

// RequestGetSignature computes the online signature for a GET request. The
// query parameters are canonicalized into the signed data: keys sorted,
// joined as key=value pairs with '&'.
func (pa *PowerAuth) RequestGetSignature(ctx context.Context, auth *Authentication, uriID string, params map[string]string) (*SignatureHeader, error) {
	return pa.RequestSignature(ctx, auth, "GET", uriID, canonicalQuery(params))
}

// OfflineSignature computes the offline (out-of-band) signature for data
// scanned from a QR code or similar channel. The nonce comes from that
// channel rather than being generated locally, and the result is the decimal
// component string, not an HTTP header.
func (pa *PowerAuth) OfflineSignature(ctx context.Context, auth *Authentication, uriID string, body []byte, nonceBase64 string) (string, error) {
	if err := auth.validate(); err != nil {
		return "", err
	}
	nonce, err := b64decode(nonceBase64)
	if err != nil || len(nonce) != nonceSize {
		return "", newError(ErrInvalidParameter, "offline nonce must be a base64 16-byte value")
	}
	biometryKey, err := pa.resolveBiometryKey(ctx, auth)
	if err != nil {
		return "", err
	}
	defer zeroBytes(biometryKey)

	pa.mu.Lock()
	defer pa.mu.Unlock()
	header, err := pa.computeSignatureLocked(ctx, auth, biometryKey, "POST", uriID, nonce, body, true)
	if err != nil {
		return "", err
	}
	return header.Value, nil
}

// VerifyServerSignedData verifies a payload signed by the server. With
// useMasterKey the signature is an Ed25519 signature under the master server
// public key (non-personalized data, e.g. offline payloads). Without it the
// payload is authenticated with the activation transport key, which only the
// two ends of this particular activation can compute.
func (pa *PowerAuth) VerifyServerSignedData(data, signature []byte, useMasterKey bool) error {
	if useMasterKey {
		key := ed25519.PublicKey(pa.cfg.masterServerKey())
		if !ed25519.Verify(key, data, signature) {
			return newError(ErrInvalidParameter, "server signature verification failed")
		}
		return nil
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardValidActivation(); err != nil {
		return err
	}
	if !timingSafeEqual(signature, hmacSHA256(pa.record.TransportKey, data)) {
		return newError(ErrInvalidParameter, "server data authentication failed")
	}
	return nil
}

// resolveBiometryKey obtains the unwrapped biometry signature key before the
// instance lock is taken, because the gate prompt may suspend for an
// unbounded user-interaction time. Returns nil when biometry is unused.
func (pa *PowerAuth) resolveBiometryKey(ctx context.Context, auth *Authentication) ([]byte, error) {
	if !auth.UseBiometry {
		return nil, nil
	}
	if auth.biometryKey != nil {
		// Reusable scope already holds the unlocked key; hand out a copy so
		// scope teardown cannot zero it mid-signature.
		key := make([]byte, len(auth.biometryKey))
		copy(key, auth.biometryKey)
		return key, nil
	}
	return pa.unlockBiometryKey(ctx, auth.Prompt)
}

// unlockBiometryKey runs the biometric gate and unwraps the stored biometry
// signature key with the gate secret.
func (pa *PowerAuth) unlockBiometryKey(ctx context.Context, prompt BiometryPrompt) ([]byte, error) {
	if pa.gate == nil {
		return nil, biometryError(BiometryUnavailable, "no biometric gate configured")
	}
	blob, err := pa.store.Get(pa.biometryStorageKey())
	if err != nil {
		return nil, wrapError(ErrCorruptedState, "failed to read biometry key", err)
	}
	if blob == nil {
		return nil, biometryError(BiometryUnavailable, "biometry factor not configured")
	}
	gateSecret, err := pa.gate.Unlock(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(ErrCancelled, "biometric prompt cancelled", ctx.Err())
		}
		return nil, err
	}
	defer zeroBytes(gateSecret)

	key, err := unwrapKey(gateSecret, blob, []byte("biometry"))
	if err != nil {
		return nil, biometryError(BiometryUnavailable, "biometry key material unusable")
	}
	return key, nil
}

// computeSignatureLocked is the signature core. Caller holds pa.mu.
//
// Order of operations is load bearing: factor keys are assembled and the MAC
// computed first, the context is checked, and only then is the advanced
// counter persisted. A crash or cancellation before the persist step leaves
// the counter unconsumed; a crash after it can only waste one counter value,
// never reuse one.
func (pa *PowerAuth) computeSignatureLocked(ctx context.Context, auth *Authentication, biometryKey []byte, method, uriID string, nonce, body []byte, offline bool) (*SignatureHeader, error) {
	guard := pa.guardValidActivation
	if uriID == uriIDActivationRemove {
		guard = pa.guardRemovableActivation
	}
	if err := guard(); err != nil {
		return nil, err
	}
	rec := pa.record

	factorKeys := [][]byte{rec.SignaturePossessionKey}
	if len(auth.Password) > 0 {
		knowledgeKey, err := pa.unwrapKnowledgeKeyLocked(auth.Password)
		if err != nil {
			return nil, err
		}
		defer zeroBytes(knowledgeKey)
		factorKeys = append(factorKeys, knowledgeKey)
	}
	if auth.UseBiometry {
		if biometryKey == nil {
			return nil, biometryError(BiometryUnavailable, "biometry factor requested without key material")
		}
		factorKeys = append(factorKeys, biometryKey)
	}

	ctrData := rec.Counter.data()
	base := signatureBaseString(method, uriID, nonce, body, ctrData)
	components := composeFactorSignature(factorKeys, base, offline)

	// Cancellation boundary: after this point the counter is consumed.
	if err := ctx.Err(); err != nil {
		return nil, wrapError(ErrCancelled, "signature cancelled before counter advance", err)
	}

	epoch := rec.Counter.Value
	rec.Counter.advance()
	if len(auth.Password) > 0 {
		rec.FailedAttempts = 0
	}
	if err := pa.persistRecord(); err != nil {
		// Roll the in-memory counter back so a later attempt does not skip a
		// value the server never saw.
		rec.Counter = rec.Counter.cloneAt(epoch, ctrData)
		return nil, err
	}

	signature := strings.Join(components, "-")
	if offline {
		return &SignatureHeader{Value: signature, CounterEpoch: epoch}, nil
	}
	value := fmt.Sprintf(
		`PowerAuth pa_activation_id="%s", pa_application_key="%s", pa_nonce="%s", pa_signature_type="%s", pa_signature="%s", pa_version="%s"`,
		rec.ActivationID, pa.cfg.ApplicationKey, b64(nonce), auth.signatureType(), signature, protocolVersionLabel,
	)
	return &SignatureHeader{Key: SignatureHeaderKey, Value: value, CounterEpoch: epoch}, nil
}

// unwrapKnowledgeKeyLocked recovers the knowledge signature key from the
// password. A failed unwrap is a wrong password: the consecutive failure
// count advances and, at the configured threshold, the activation blocks.
func (pa *PowerAuth) unwrapKnowledgeKeyLocked(password []byte) ([]byte, error) {
	rec := pa.record
	kek := stretchPassword(password, rec.KnowledgeSalt)
	defer zeroBytes(kek)

	key, err := unwrapKey(kek, rec.EncryptedSignatureKnowledgeKey, []byte("knowledge"))
	if err == nil {
		return key, nil
	}

	rec.FailedAttempts++
	blocked := rec.FailedAttempts >= pa.cfg.MaxFailedAttempts
	if blocked {
		rec.Status = StatusBlocked
	}
	if perr := pa.persistRecord(); perr != nil {
		pa.logger.Error().Err(perr).Msg("Failed to persist wrong-password attempt count")
	}
	if blocked {
		pa.logger.Warn().
			Uint32("failed_attempts", rec.FailedAttempts).
			Msg("Activation blocked after consecutive wrong-password attempts")
		return nil, newError(ErrInvalidActivationState, "activation blocked after repeated wrong password")
	}
	return nil, newError(ErrWrongPassword, "password rejected")
}

// signatureBaseString builds the canonical signed string:
// method & uriId & base64(nonce) & base64(data) & base64(counter).
func signatureBaseString(method, uriID string, nonce, body, ctrData []byte) []byte {
	return []byte(strings.Join([]string{
		method,
		uriID,
		b64(nonce),
		b64(body),
		b64(ctrData),
	}, "&"))
}

// composeFactorSignature chains the per-factor HMACs: every factor MAC
// covers the base string plus the previous factor's component, so components
// cannot be recombined across signatures. Online components are base64 MACs,
// offline components are 8-digit decimal truncations readable by a human.
func composeFactorSignature(factorKeys [][]byte, base []byte, offline bool) []string {
	components := make([]string, 0, len(factorKeys))
	prev := []byte{}
	for _, key := range factorKeys {
		input := make([]byte, 0, len(base)+1+len(prev))
		input = append(input, base...)
		input = append(input, '&')
		input = append(input, prev...)
		mac := hmacSHA256(key, input)
		if offline {
			components = append(components, decimalTruncate(mac, 8))
		} else {
			components = append(components, b64(mac))
		}
		prev = mac
	}
	return components
}

// canonicalQuery flattens GET parameters into deterministic signed data.
func canonicalQuery(params map[string]string) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return []byte(strings.Join(pairs, "&"))
}

// cloneAt restores a counter to a previous epoch. Used only to undo an
// in-memory advance whose persist failed.
func (c *signatureCounter) cloneAt(value uint64, ctrData []byte) *signatureCounter {
	out := &signatureCounter{Version: c.Version, Value: value}
	if c.Version == ProtocolV3 {
		out.CtrData = make([]byte, len(ctrData))
		copy(out.CtrData, ctrData)
	}
	return out
}
