package powerauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Key hierarchy indexes. Every per-purpose key is expanded from the master
// shared secret with HKDF-SHA256 using the purpose domain plus one of these
// indexes, so factor keys, the transport key and the vault key can never
// collide.
const (
	keyIndexPossession uint64 = 1
	keyIndexKnowledge  uint64 = 2
	keyIndexBiometry   uint64 = 3
	keyIndexTransport  uint64 = 1000
	keyIndexVault      uint64 = 2000
	keyIndexAppData    uint64 = 3000
)

const (
	domainSignatureKeys = "pa-signature-keys-v3"
	domainTransportKey  = "pa-transport-key-v3"
	domainVaultKey      = "pa-vault-key-v3"
	domainAppDataKey    = "pa-app-data-key-v3"
	domainEciesInfo     = "pa-ecies-encryption"
)

// Argon2id parameters for stretching the knowledge factor. The memory cost
// is the mobile profile, not the server one: commits and signature calls run
// on handset hardware.
const (
	argonTime    = 3
	argonMemory  = 65536 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
)

const (
	gcmNonceSize  = 12
	x25519KeySize = 32
	saltSize      = 16
	nonceSize     = 16
)

// generateKeyAgreementPair generates an X25519 keypair for the activation
// ECDH handshake.
func generateKeyAgreementPair() (privateKey, publicKey []byte, err error) {
	privateKey = make([]byte, x25519KeySize)
	if _, err := rand.Read(privateKey); err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// generateSigningPair generates the Ed25519 device identity keypair. The
// private seed rests encrypted under the vault key after commit.
func generateSigningPair() (seed, publicKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv.Seed(), pub, nil
}

// masterSharedSecret computes the activation master secret from the device
// key-agreement private key and the server public key.
func masterSharedSecret(devicePrivate, serverPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(devicePrivate, serverPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	return secret, nil
}

// deriveKey expands a 32-byte per-purpose key from a parent secret. The info
// string binds both the purpose domain and the numeric index.
func deriveKey(parent []byte, domain string, index uint64) ([]byte, error) {
	info := make([]byte, 0, len(domain)+8)
	info = append(info, domain...)
	info = binary.BigEndian.AppendUint64(info, index)
	r := hkdf.New(sha256.New, parent, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// signatureKeys holds the three factor keys derived from the master secret.
type signatureKeys struct {
	possession []byte
	knowledge  []byte
	biometry   []byte
}

func deriveSignatureKeys(master []byte) (*signatureKeys, error) {
	possession, err := deriveKey(master, domainSignatureKeys, keyIndexPossession)
	if err != nil {
		return nil, err
	}
	knowledge, err := deriveKey(master, domainSignatureKeys, keyIndexKnowledge)
	if err != nil {
		return nil, err
	}
	biometry, err := deriveKey(master, domainSignatureKeys, keyIndexBiometry)
	if err != nil {
		return nil, err
	}
	return &signatureKeys{possession: possession, knowledge: knowledge, biometry: biometry}, nil
}

// stretchPassword derives the knowledge-factor wrapping key from the user
// password using Argon2id.
func stretchPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// wrapKey encrypts key material with AES-256-GCM. Output layout is
// [12-byte nonce][ciphertext+tag]. The aad binds the blob to its purpose so
// a knowledge blob cannot be fed to the vault unwrap and vice versa.
func wrapKey(kek, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// unwrapKey reverses wrapKey. Authentication failure is the caller's signal
// that the supplied KEK (and therefore the password behind it) is wrong.
func unwrapKey(kek, blob, aad []byte) ([]byte, error) {
	if len(blob) < gcmNonceSize {
		return nil, fmt.Errorf("wrapped key too short")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	plaintext, err := aead.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("unwrap failed: %w", err)
	}
	return plaintext, nil
}

// eciesEncrypt encrypts plaintext to an X25519 recipient key.
// Format: [32-byte ephemeral pubkey][12-byte nonce][ciphertext+tag], with the
// AES key derived through HKDF-SHA256 over the shared secret. The ephemeral
// public key is folded into the HKDF info for domain separation.
func eciesEncrypt(recipientPublic, plaintext []byte) ([]byte, error) {
	if len(recipientPublic) != x25519KeySize {
		return nil, fmt.Errorf("invalid recipient key length %d", len(recipientPublic))
	}
	ephemeralPrivate := make([]byte, x25519KeySize)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer zeroBytes(ephemeralPrivate)

	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPrivate, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer zeroBytes(shared)

	aesKey, err := eciesKey(shared, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, x25519KeySize+gcmNonceSize+len(plaintext)+aead.Overhead())
	out = append(out, ephemeralPublic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// eciesDecrypt reverses eciesEncrypt with the recipient private key.
func eciesDecrypt(recipientPrivate, encrypted []byte) ([]byte, error) {
	if len(recipientPrivate) != x25519KeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(recipientPrivate))
	}
	if len(encrypted) < x25519KeySize+gcmNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	ephemeralPublic := encrypted[:x25519KeySize]
	nonce := encrypted[x25519KeySize : x25519KeySize+gcmNonceSize]
	ciphertext := encrypted[x25519KeySize+gcmNonceSize:]

	shared, err := curve25519.X25519(recipientPrivate, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer zeroBytes(shared)

	aesKey, err := eciesKey(shared, ephemeralPublic)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func eciesKey(shared, ephemeralPublic []byte) ([]byte, error) {
	info := append([]byte(domainEciesInfo), ephemeralPublic...)
	r := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// deviceFingerprint computes the 8-digit decimal fingerprint displayed to the
// user for out-of-band comparison during activation.
func deviceFingerprint(devicePublic, serverPublic []byte, activationID string) string {
	h := sha256.New()
	h.Write(devicePublic)
	h.Write(serverPublic)
	h.Write([]byte(activationID))
	return decimalTruncate(h.Sum(nil), 8)
}

// decimalTruncate performs dynamic truncation of a MAC or hash into a fixed
// number of decimal digits, HOTP style.
func decimalTruncate(digest []byte, digits int) string {
	offset := int(digest[len(digest)-1] & 0x0f)
	code := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff
	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, code%mod)
}

// generateNonce returns a fresh 16-byte random nonce.
func generateNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// timingSafeEqual performs a constant-time comparison of two byte slices.
func timingSafeEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// zeroBytes overwrites a byte slice with zeros.
// SECURITY: Used to clear sensitive key material from memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func b64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func b64decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
