package powerauth

import "context"

// ValidatePassword checks the knowledge factor against the server through a
// signature-validate round trip. A wrong password counts toward the blocking
// threshold exactly like a failed signed request.
func (pa *PowerAuth) ValidatePassword(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return newError(ErrInvalidParameter, "password is required")
	}
	auth := &Authentication{UsePossession: true, Password: password}
	err := pa.signedRequest(ctx, auth, uriIDSignatureValidate, endpointSignatureValidate, nil, nil)
	if err != nil && ServerCode(err) == codeAuthenticationFailed {
		// The password unwrapped the local knowledge key but the server still
		// rejected the signature: the server-side credentials differ, e.g.
		// after a restore from an outdated backup.
		return wrapError(ErrWrongPassword, "password rejected by server", err)
	}
	return err
}

// ChangePassword re-encrypts the knowledge factor under a new password after
// validating the old one against the server.
func (pa *PowerAuth) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if err := pa.ValidatePassword(ctx, oldPassword); err != nil {
		return err
	}
	return pa.UnsafeChangePassword(oldPassword, newPassword)
}

// UnsafeChangePassword re-encrypts the knowledge factor locally, without the
// server round trip. "Unsafe" because the old password is verified only
// against the local wrapped key, not against the server's authentication
// state; prefer ChangePassword in application flows.
func (pa *PowerAuth) UnsafeChangePassword(oldPassword, newPassword []byte) error {
	if len(oldPassword) == 0 || len(newPassword) == 0 {
		return newError(ErrInvalidParameter, "old and new passwords are required")
	}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.guardValidActivation(); err != nil {
		return err
	}
	rec := pa.record

	oldKek := stretchPassword(oldPassword, rec.KnowledgeSalt)
	defer zeroBytes(oldKek)
	knowledgeKey, err := unwrapKey(oldKek, rec.EncryptedSignatureKnowledgeKey, []byte("knowledge"))
	if err != nil {
		return newError(ErrWrongPassword, "old password rejected")
	}
	defer zeroBytes(knowledgeKey)

	newSalt, err := generateSalt()
	if err != nil {
		return wrapError(ErrInvalidParameter, "salt generation failed", err)
	}
	newKek := stretchPassword(newPassword, newSalt)
	defer zeroBytes(newKek)
	wrapped, err := wrapKey(newKek, knowledgeKey, []byte("knowledge"))
	if err != nil {
		return wrapError(ErrInvalidParameter, "knowledge key wrap failed", err)
	}

	// Swap in the new wrap only after both the salt and blob are ready, and
	// restore the old pair if the persist fails.
	oldSalt, oldBlob := rec.KnowledgeSalt, rec.EncryptedSignatureKnowledgeKey
	rec.KnowledgeSalt = newSalt
	rec.EncryptedSignatureKnowledgeKey = wrapped
	if err := pa.persistRecord(); err != nil {
		rec.KnowledgeSalt = oldSalt
		rec.EncryptedSignatureKnowledgeKey = oldBlob
		return err
	}
	pa.logger.Info().Msg("Knowledge factor re-encrypted")
	return nil
}
