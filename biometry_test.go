package powerauth

import (
	"context"
	"errors"
	"testing"
)

func TestCommitWithBiometry(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", true)

	if !te.pa.HasBiometryFactor() {
		t.Fatal("biometry factor must be present after a biometric commit")
	}
	if te.gate.promptCount() != 1 {
		t.Fatalf("gate prompts during commit = %d, want 1", te.gate.promptCount())
	}

	// A three-factor signature must verify server-side.
	auth := &Authentication{UsePossession: true, Password: []byte("pass-1234"), UseBiometry: true}
	if _, err := te.pa.FetchEncryptionKey(context.Background(), auth, 1); err != nil {
		t.Fatalf("three-factor signed call: %v", err)
	}
	if te.gate.promptCount() != 2 {
		t.Fatalf("gate prompts = %d, want 2", te.gate.promptCount())
	}
}

func TestBiometrySignatureWithoutFactor(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", false)

	auth := &Authentication{UsePossession: true, UseBiometry: true}
	_, err := te.pa.RequestSignature(context.Background(), auth, "POST", "/x", nil)
	if KindOf(err) != ErrBiometryFailed {
		t.Fatalf("kind = %v, want BiometryFailed", KindOf(err))
	}
}

func TestAddAndRemoveBiometryFactor(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", false)
	ctx := context.Background()

	if err := te.pa.AddBiometryFactor(ctx, knowledgeAuth("pass-1234"), BiometryPrompt{Title: "Enable"}); err != nil {
		t.Fatalf("AddBiometryFactor: %v", err)
	}
	if !te.pa.HasBiometryFactor() {
		t.Fatal("factor must be present after add")
	}

	// The re-derived biometry key must match the server's derivation.
	auth := &Authentication{UsePossession: true, UseBiometry: true}
	if _, err := te.pa.FetchEncryptionKey(ctx, auth, 1); err != nil {
		t.Fatalf("possession+biometry signed call: %v", err)
	}

	if err := te.pa.AddBiometryFactor(ctx, knowledgeAuth("pass-1234"), BiometryPrompt{}); KindOf(err) != ErrInvalidActivationState {
		t.Fatalf("double add: kind = %v, want InvalidActivationState", KindOf(err))
	}

	if err := te.pa.RemoveBiometryFactor(); err != nil {
		t.Fatalf("RemoveBiometryFactor: %v", err)
	}
	if te.pa.HasBiometryFactor() {
		t.Fatal("factor must be gone after remove")
	}
	if err := te.pa.RemoveBiometryFactor(); KindOf(err) != ErrInvalidActivationState {
		t.Fatalf("double remove: kind = %v, want InvalidActivationState", KindOf(err))
	}
}

func TestAddBiometryRequiresKnowledge(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", false)

	auth := &Authentication{UsePossession: true}
	if err := te.pa.AddBiometryFactor(context.Background(), auth, BiometryPrompt{}); KindOf(err) != ErrInvalidParameter {
		t.Fatalf("kind = %v, want InvalidParameter", KindOf(err))
	}
}

func TestGateFailurePropagates(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", true)

	te.gate.mu.Lock()
	te.gate.fail = errors.New("sensor unavailable")
	te.gate.mu.Unlock()

	auth := &Authentication{UsePossession: true, UseBiometry: true}
	if _, err := te.pa.RequestSignature(context.Background(), auth, "POST", "/x", nil); err == nil {
		t.Fatal("gate failure must fail the signature")
	}
}

func TestReusableAuthenticationSinglePrompt(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", true)
	ctx := context.Background()

	prompts := te.gate.promptCount()
	scope, err := te.pa.BeginReusableAuthentication(ctx, BiometryPrompt{Title: "Batch"})
	if err != nil {
		t.Fatalf("BeginReusableAuthentication: %v", err)
	}
	defer scope.End()

	if _, err := te.pa.FetchEncryptionKey(ctx, scope.Descriptor(), 1); err != nil {
		t.Fatalf("first scoped call: %v", err)
	}
	if _, err := te.pa.SignDataWithDevicePrivateKey(ctx, scope.Descriptor(), []byte("doc")); err != nil {
		t.Fatalf("second scoped call: %v", err)
	}
	if got := te.gate.promptCount() - prompts; got != 1 {
		t.Fatalf("gate prompts inside scope = %d, want 1", got)
	}
}

func TestReusableAuthenticationEnd(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", true)

	scope, err := te.pa.BeginReusableAuthentication(context.Background(), BiometryPrompt{})
	if err != nil {
		t.Fatalf("BeginReusableAuthentication: %v", err)
	}
	scope.End()
	if scope.Descriptor() != nil {
		t.Fatal("descriptor must be nil after End")
	}
	scope.End() // idempotent
}

func TestBiometrySignatureUsesWrappedKey(t *testing.T) {
	te := newTestEngine(t)
	te.activate(t, "pass-1234", true)

	// Wipe the stored biometry blob out from under the engine; the next
	// biometric signature must fail rather than sign with stale material.
	if err := te.store.Remove(te.pa.biometryStorageKey()); err != nil {
		t.Fatalf("remove blob: %v", err)
	}
	auth := &Authentication{UsePossession: true, UseBiometry: true}
	if _, err := te.pa.RequestSignature(context.Background(), auth, "POST", "/x", nil); KindOf(err) != ErrBiometryFailed {
		t.Fatalf("kind = %v, want BiometryFailed", KindOf(err))
	}
}
