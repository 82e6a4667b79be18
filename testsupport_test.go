package powerauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/cipherbind/powerauth/storage"
)

// fakeServer implements Transport with a real server-side counterpart of the
// protocol: it performs its own half of the activation handshake, derives
// the same key hierarchy, and verifies every signed request, so the tests
// exercise genuine round trips rather than canned responses.
type fakeServer struct {
	mu sync.Mutex

	masterPublic  ed25519.PublicKey
	masterPrivate ed25519.PrivateKey

	state         string // "", "ACTIVE", "BLOCKED", "REMOVED"
	activationID  string
	deviceSignKey ed25519.PublicKey
	sigKeys       *signatureKeys
	transportKey  []byte
	vaultKey      []byte

	ctrVersion  ProtocolVersion
	ctrSeed     []byte
	nextCounter uint64 // index of the next expected signature

	failCount        uint32
	maxFailCount     uint32
	upgradeAvailable bool
	issueRecovery    bool
	recoveryCode     string
	recoveryPUK      string
	confirmedCodes   []string
	tokens           map[string][]byte // tokenID -> secret
	vaultRequestKeys []string          // ephemeral keys seen by vault unlock

	requests map[string]int // path -> call count
}

func newFakeServer() *fakeServer {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &fakeServer{
		masterPublic:  pub,
		masterPrivate: priv,
		maxFailCount:  5,
		tokens:        make(map[string][]byte),
		requests:      make(map[string]int),
	}
}

func (s *fakeServer) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := url[strings.Index(url, "/pa/"):]
	s.requests[path]++

	switch path {
	case endpointActivationCreate:
		return s.handleCreate(body)
	case endpointActivationStatus:
		return s.handleStatus()
	case endpointActivationRemove:
		return s.handleSigned(headers, uriIDActivationRemove, body, func() (int, []byte, error) {
			s.state = "REMOVED"
			return 200, []byte(`{}`), nil
		})
	case endpointSignatureValidate:
		return s.handleValidate(headers, body)
	case endpointVaultUnlock:
		return s.handleSigned(headers, uriIDVaultUnlock, body, func() (int, []byte, error) {
			var req vaultUnlockRequest
			json.Unmarshal(body, &req)
			clientKey, err := b64decode(req.EphemeralPublicKey)
			if err != nil || len(clientKey) != x25519KeySize {
				return 400, []byte(`{"code":"ERR_INVALID_REQUEST","message":"bad ephemeral key"}`), nil
			}
			s.vaultRequestKeys = append(s.vaultRequestKeys, req.EphemeralPublicKey)
			sealed, err := eciesEncrypt(clientKey, s.vaultKey)
			if err != nil {
				return 500, nil, err
			}
			return jsonOK(vaultUnlockResponse{EncryptedVaultKey: b64(sealed)})
		})
	case endpointTokenCreate:
		return s.handleSigned(headers, uriIDTokenCreate, body, func() (int, []byte, error) {
			secret := make([]byte, 16)
			rand.Read(secret)
			id := uuid.New().String()
			s.tokens[id] = secret
			return jsonOK(tokenCreateResponse{TokenID: id, TokenSecret: b64(secret)})
		})
	case endpointTokenRemove:
		return s.handleSigned(headers, uriIDTokenRemove, body, func() (int, []byte, error) {
			var req tokenRemoveRequest
			json.Unmarshal(body, &req)
			delete(s.tokens, req.TokenID)
			return 200, []byte(`{}`), nil
		})
	case endpointRecoveryConfirm:
		return s.handleSigned(headers, uriIDRecoveryConfirm, body, func() (int, []byte, error) {
			var req recoveryConfirmRequest
			json.Unmarshal(body, &req)
			s.confirmedCodes = append(s.confirmedCodes, req.RecoveryCode)
			return 200, []byte(`{}`), nil
		})
	case endpointUpgradeStart:
		seed := make([]byte, ctrDataSize)
		rand.Read(seed)
		s.ctrVersion = ProtocolV3
		s.ctrSeed = seed
		s.nextCounter = 0
		return jsonOK(upgradeStartResponse{CtrData: b64(seed)})
	case endpointUpgradeCommit:
		return s.handleSigned(headers, uriIDUpgradeCommit, body, func() (int, []byte, error) {
			s.upgradeAvailable = false
			return 200, []byte(`{}`), nil
		})
	}
	return 404, []byte(`{"code":"ERR_NOT_FOUND","message":"no such endpoint"}`), nil
}

func (s *fakeServer) handleCreate(body []byte) (int, []byte, error) {
	var req activationCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 400, []byte(`{"code":"ERR_REQUEST","message":"bad request"}`), nil
	}
	devicePublic, err := b64decode(req.DevicePublicKey)
	if err != nil {
		return 400, []byte(`{"code":"ERR_REQUEST","message":"bad device key"}`), nil
	}
	signKey, _ := b64decode(req.DeviceSigningKey)

	serverPrivate, serverPublic, err := generateKeyAgreementPair()
	if err != nil {
		return 500, nil, err
	}
	master, err := masterSharedSecret(serverPrivate, devicePublic)
	if err != nil {
		return 500, nil, err
	}
	s.sigKeys, err = deriveSignatureKeys(master)
	if err != nil {
		return 500, nil, err
	}
	s.transportKey, _ = deriveKey(master, domainTransportKey, keyIndexTransport)
	s.vaultKey, _ = deriveKey(master, domainVaultKey, keyIndexVault)

	seed := make([]byte, ctrDataSize)
	rand.Read(seed)
	s.ctrVersion = ProtocolV3
	s.ctrSeed = seed
	s.nextCounter = 0
	s.activationID = uuid.New().String()
	s.deviceSignKey = signKey
	s.state = "ACTIVE"

	resp := activationCreateResponse{
		ActivationID:    s.activationID,
		ServerPublicKey: b64(serverPublic),
		CtrData:         b64(seed),
	}
	payload := activationResponsePayload(resp.ActivationID, resp.ServerPublicKey, resp.CtrData)
	resp.Signature = b64(ed25519.Sign(s.masterPrivate, payload))
	if s.issueRecovery {
		s.recoveryCode = "R:" + uuid.New().String()
		s.recoveryPUK = "0123456789"
		resp.Recovery = &struct {
			RecoveryCode string `json:"recoveryCode"`
			PUK          string `json:"puk"`
		}{RecoveryCode: s.recoveryCode, PUK: s.recoveryPUK}
	}
	return jsonOK(resp)
}

func (s *fakeServer) handleStatus() (int, []byte, error) {
	blob, _ := json.Marshal(statusBlob{
		State:            s.state,
		FailCount:        s.failCount,
		MaxFailCount:     s.maxFailCount,
		Counter:          s.nextCounter,
		UpgradeAvailable: s.upgradeAvailable,
	})
	wrapped, err := wrapKey(s.transportKey, blob, []byte("status"))
	if err != nil {
		return 500, nil, err
	}
	return jsonOK(activationStatusResponse{EncryptedStatusBlob: b64(wrapped)})
}

// handleValidate verifies strictly and advances on a match. A signature
// that only matches inside the relaxed backward window still succeeds as a
// synchronization probe: the client proved its credentials and learns the
// server counter, but nothing advances.
func (s *fakeServer) handleValidate(headers map[string]string, body []byte) (int, []byte, error) {
	matched, err := s.verifySignature(headers, uriIDSignatureValidate, body, false)
	if err == nil {
		s.nextCounter = matched + 1
		return jsonOK(signatureValidateResponse{Counter: s.nextCounter})
	}
	if _, rerr := s.verifySignature(headers, uriIDSignatureValidate, body, true); rerr == nil {
		return jsonOK(signatureValidateResponse{Counter: s.nextCounter})
	}
	return 401, []byte(`{"code":"ERR_AUTHENTICATION","message":"` + err.Error() + `"}`), nil
}

// handleSigned verifies the signature header strictly and dispatches.
func (s *fakeServer) handleSigned(headers map[string]string, uriID string, body []byte, fn func() (int, []byte, error)) (int, []byte, error) {
	if s.state == "REMOVED" {
		return 400, []byte(`{"code":"ERR_ACTIVATION_REMOVED","message":"activation removed"}`), nil
	}
	if s.state == "BLOCKED" && uriID != uriIDActivationRemove {
		// A blocked activation can still be removed with a valid signature.
		return 401, []byte(`{"code":"ERR_ACTIVATION_BLOCKED","message":"activation blocked"}`), nil
	}
	matched, err := s.verifySignature(headers, uriID, body, false)
	if err != nil {
		// A match inside the relaxed window means the credentials are
		// right but the counters drifted apart.
		if _, rerr := s.verifySignature(headers, uriID, body, true); rerr == nil {
			return 401, []byte(`{"code":"ERR_COUNTER_OUT_OF_SYNC","message":"counter out of sync"}`), nil
		}
		s.failCount++
		return 401, []byte(`{"code":"ERR_AUTHENTICATION","message":"` + err.Error() + `"}`), nil
	}
	s.failCount = 0
	s.nextCounter = matched + 1
	return fn()
}

// verifySignature recomputes the expected components for counter candidates
// inside the look-ahead window and returns the matched index.
func (s *fakeServer) verifySignature(headers map[string]string, uriID string, body []byte, relaxed bool) (uint64, error) {
	header := headers[SignatureHeaderKey]
	if header == "" {
		return 0, fmt.Errorf("missing signature header")
	}
	fields := parseAuthHeader(header)
	nonce, err := b64decode(fields["pa_nonce"])
	if err != nil {
		return 0, fmt.Errorf("bad nonce")
	}
	if fields["pa_activation_id"] != s.activationID {
		return 0, fmt.Errorf("unknown activation")
	}

	var keys [][]byte
	switch fields["pa_signature_type"] {
	case "possession":
		keys = [][]byte{s.sigKeys.possession}
	case "possession_knowledge":
		keys = [][]byte{s.sigKeys.possession, s.sigKeys.knowledge}
	case "possession_biometry":
		keys = [][]byte{s.sigKeys.possession, s.sigKeys.biometry}
	case "possession_knowledge_biometry":
		keys = [][]byte{s.sigKeys.possession, s.sigKeys.knowledge, s.sigKeys.biometry}
	default:
		return 0, fmt.Errorf("unknown signature type")
	}

	low := s.nextCounter
	if relaxed {
		if low > counterLookAhead {
			low -= counterLookAhead
		} else {
			low = 0
		}
	}
	for k := low; k <= s.nextCounter+counterLookAhead; k++ {
		base := signatureBaseString("POST", uriID, nonce, body, s.counterDataAt(k))
		expected := strings.Join(composeFactorSignature(keys, base, false), "-")
		if expected == fields["pa_signature"] {
			return k, nil
		}
	}
	return 0, fmt.Errorf("signature verification failed")
}

func (s *fakeServer) counterDataAt(index uint64) []byte {
	if s.ctrVersion == ProtocolV2 {
		out := make([]byte, 8)
		binary.BigEndian.PutUint64(out, index)
		return out
	}
	data := make([]byte, ctrDataSize)
	copy(data, s.ctrSeed)
	for i := uint64(0); i < index; i++ {
		next := sha256.Sum256(data)
		copy(data, next[:ctrDataSize])
	}
	return data
}

func (s *fakeServer) callCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func jsonOK(v any) (int, []byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return 500, nil, err
	}
	return 200, body, nil
}

// parseAuthHeader splits `PowerAuth k="v", k="v"` into a map.
func parseAuthHeader(header string) map[string]string {
	out := make(map[string]string)
	header = strings.TrimPrefix(header, "PowerAuth ")
	for _, part := range strings.Split(header, ", ") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// fakeGate is a biometric gate returning a fixed secret and counting
// prompts.
type fakeGate struct {
	mu      sync.Mutex
	secret  []byte
	prompts int
	fail    error
}

func newFakeGate() *fakeGate {
	secret := make([]byte, 32)
	rand.Read(secret)
	return &fakeGate{secret: secret}
}

func (g *fakeGate) Unlock(ctx context.Context, prompt BiometryPrompt) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return nil, g.fail
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.prompts++
	out := make([]byte, len(g.secret))
	copy(out, g.secret)
	return out, nil
}

func (g *fakeGate) promptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts
}

// failingStore wraps a store and fails the nth Set call, for commit
// atomicity tests.
type failingStore struct {
	inner   SecureStorage
	failAt  int
	setCall int
}

func (f *failingStore) Get(key string) ([]byte, error) { return f.inner.Get(key) }

func (f *failingStore) Set(key string, value []byte) error {
	f.setCall++
	if f.setCall == f.failAt {
		return fmt.Errorf("injected storage failure")
	}
	return f.inner.Set(key, value)
}

func (f *failingStore) Remove(key string) error { return f.inner.Remove(key) }

// testEngine bundles an engine with its collaborators.
type testEngine struct {
	pa     *PowerAuth
	server *fakeServer
	gate   *fakeGate
	store  *storage.MemoryStore
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithStore(t, storage.NewMemoryStore())
}

func newTestEngineWithStore(t *testing.T, store *storage.MemoryStore) *testEngine {
	t.Helper()
	server := newFakeServer()
	gate := newFakeGate()
	pa := configureTestEngine(t, server, gate, store)
	return &testEngine{pa: pa, server: server, gate: gate, store: store}
}

func configureTestEngine(t *testing.T, server *fakeServer, gate *fakeGate, store SecureStorage) *PowerAuth {
	t.Helper()
	cfg := testConfiguration(t, server, "test-instance-"+uuid.New().String())
	pa, err := Configure(cfg, Dependencies{Storage: store, Transport: server, Gate: gate})
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	t.Cleanup(func() { Deconfigure(cfg.InstanceID) })
	return pa
}

func testConfiguration(t *testing.T, server *fakeServer, instanceID string) *Configuration {
	t.Helper()
	cfg, err := NewConfigurationBuilder(
		instanceID,
		"app-key-test",
		"app-secret-test",
		b64(server.masterPublic),
	).
		BaseEndpointURL("https://server.test").
		DisableStorageEncryptionRequirement().
		Build()
	if err != nil {
		t.Fatalf("configuration build failed: %v", err)
	}
	return cfg
}

// activate runs create+commit with the given password.
func (te *testEngine) activate(t *testing.T, password string, biometry bool) {
	t.Helper()
	_, err := te.pa.CreateActivation(context.Background(), ActivationParams{
		ActivationCode: "AAAAA-BBBBB-CCCCC-DDDDD",
		DeviceName:     "test-device",
	})
	if err != nil {
		t.Fatalf("CreateActivation failed: %v", err)
	}
	auth := &Authentication{UsePossession: true, Password: []byte(password), UseBiometry: biometry}
	if err := te.pa.CommitActivation(context.Background(), auth); err != nil {
		t.Fatalf("CommitActivation failed: %v", err)
	}
}
