package powerauth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cipherbind/powerauth/storage"
)

// TokenHeaderKey is the HTTP header carrying token-based authentication.
const TokenHeaderKey = "X-PowerAuth-Token"

// tokenCacheCapacity bounds the in-memory token cache; the secure store
// remains the source of truth.
const tokenCacheCapacity = 32

// AccessToken is a named lightweight credential established by one fully
// signed call; afterwards its headers are computed locally from the token
// secret, bypassing the signature engine and its counter.
type AccessToken struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Secret     []byte `json:"secret"`
}

// TokenHeader is a computed token authentication header.
type TokenHeader struct {
	Key   string
	Value string
}

// GenerateHeader computes a fresh token digest header. Each call uses a new
// nonce and the current timestamp; no persistent state advances.
func (t *AccessToken) GenerateHeader() (*TokenHeader, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	digest := hmacSHA256(t.Secret, []byte(b64(nonce)+"&"+timestamp))
	value := fmt.Sprintf(
		`PowerAuth pa_token_id="%s", pa_token_digest="%s", pa_nonce="%s", pa_timestamp="%s", pa_version="%s"`,
		t.Identifier, b64(digest), b64(nonce), timestamp, protocolVersionLabel,
	)
	return &TokenHeader{Key: TokenHeaderKey, Value: value}, nil
}

// tokenCache is the in-memory layer over the secure store.
type tokenCache struct {
	lru *storage.LRUCache
}

func newTokenCache() *tokenCache {
	return &tokenCache{lru: storage.NewLRUCache(tokenCacheCapacity)}
}

func (c *tokenCache) get(name string) *AccessToken {
	blob, ok := c.lru.Get(name)
	if !ok {
		return nil
	}
	var token AccessToken
	if err := json.Unmarshal(blob, &token); err != nil {
		return nil
	}
	return &token
}

func (c *tokenCache) put(token *AccessToken) {
	blob, err := json.Marshal(token)
	if err != nil {
		return
	}
	c.lru.Put(token.Name, blob)
}

type tokenCreateRequest struct {
	TokenName string `json:"tokenName"`
}

type tokenCreateResponse struct {
	TokenID     string `json:"tokenId"`
	TokenSecret string `json:"tokenSecret"`
}

type tokenRemoveRequest struct {
	TokenID string `json:"tokenId"`
}

// RequestAccessToken returns the named token, establishing it with one
// signed call the first time. Subsequent calls hit the cache or the secure
// store and never touch the network.
func (pa *PowerAuth) RequestAccessToken(ctx context.Context, tokenName string, auth *Authentication) (*AccessToken, error) {
	if tokenName == "" {
		return nil, newError(ErrInvalidParameter, "token name is required")
	}

	pa.mu.Lock()
	if err := pa.guardValidActivation(); err != nil {
		pa.mu.Unlock()
		return nil, err
	}
	if token := pa.tokens.get(tokenName); token != nil {
		pa.mu.Unlock()
		return token, nil
	}
	blob, err := pa.store.Get(pa.tokenStorageKey(tokenName))
	pa.mu.Unlock()
	if err != nil {
		return nil, wrapError(ErrCorruptedState, "failed to read token", err)
	}
	if blob != nil {
		var token AccessToken
		if err := json.Unmarshal(blob, &token); err == nil {
			pa.tokens.put(&token)
			return &token, nil
		}
		// Unreadable stored token: fall through and re-create it.
	}

	var resp tokenCreateResponse
	req := tokenCreateRequest{TokenName: tokenName}
	if err := pa.signedRequest(ctx, auth, uriIDTokenCreate, endpointTokenCreate, &req, &resp); err != nil {
		return nil, err
	}
	secret, err := b64decode(resp.TokenSecret)
	if err != nil {
		return nil, newError(ErrNetwork, "malformed token secret")
	}
	token := &AccessToken{Name: tokenName, Identifier: resp.TokenID, Secret: secret}

	pa.mu.Lock()
	defer pa.mu.Unlock()
	if err := pa.storeTokenLocked(token); err != nil {
		return nil, err
	}
	pa.tokens.put(token)
	pa.logger.Info().Str("token_name", tokenName).Msg("Access token established")
	return token, nil
}

// RemoveAccessToken revokes the named token on the server and removes it
// locally. Unknown tokens fail with InvalidParameter.
func (pa *PowerAuth) RemoveAccessToken(ctx context.Context, tokenName string) error {
	pa.mu.Lock()
	token := pa.tokens.get(tokenName)
	if token == nil {
		blob, err := pa.store.Get(pa.tokenStorageKey(tokenName))
		if err == nil && blob != nil {
			var stored AccessToken
			if json.Unmarshal(blob, &stored) == nil {
				token = &stored
			}
		}
	}
	pa.mu.Unlock()
	if token == nil {
		return newError(ErrInvalidParameter, "no such token: "+tokenName)
	}

	auth := &Authentication{UsePossession: true}
	req := tokenRemoveRequest{TokenID: token.Identifier}
	if err := pa.signedRequest(ctx, auth, uriIDTokenRemove, endpointTokenRemove, &req, nil); err != nil {
		return err
	}
	return pa.RemoveLocalToken(tokenName)
}

// RemoveLocalToken drops the named token from cache and storage without a
// server round trip.
func (pa *PowerAuth) RemoveLocalToken(tokenName string) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	pa.tokens.lru.Delete(tokenName)
	if err := pa.store.Remove(pa.tokenStorageKey(tokenName)); err != nil {
		return wrapError(ErrCorruptedState, "failed to remove token", err)
	}
	return pa.removeTokenFromIndexLocked(tokenName)
}

// storeTokenLocked persists the token and tracks its name in the index so
// activation removal can clear every token.
func (pa *PowerAuth) storeTokenLocked(token *AccessToken) error {
	blob, err := json.Marshal(token)
	if err != nil {
		return wrapError(ErrInvalidParameter, "failed to encode token", err)
	}
	if err := pa.store.Set(pa.tokenStorageKey(token.Name), blob); err != nil {
		return wrapError(ErrCorruptedState, "failed to persist token", err)
	}
	names := pa.loadTokenIndexLocked()
	for _, n := range names {
		if n == token.Name {
			return nil
		}
	}
	names = append(names, token.Name)
	return pa.saveTokenIndexLocked(names)
}

func (pa *PowerAuth) removeTokenFromIndexLocked(tokenName string) error {
	names := pa.loadTokenIndexLocked()
	kept := names[:0]
	for _, n := range names {
		if n != tokenName {
			kept = append(kept, n)
		}
	}
	return pa.saveTokenIndexLocked(kept)
}

func (pa *PowerAuth) loadTokenIndexLocked() []string {
	blob, err := pa.store.Get(pa.tokenIndexStorageKey())
	if err != nil || blob == nil {
		return nil
	}
	var names []string
	if json.Unmarshal(blob, &names) != nil {
		return nil
	}
	return names
}

func (pa *PowerAuth) saveTokenIndexLocked(names []string) error {
	if len(names) == 0 {
		if err := pa.store.Remove(pa.tokenIndexStorageKey()); err != nil {
			return wrapError(ErrCorruptedState, "failed to clear token index", err)
		}
		return nil
	}
	blob, _ := json.Marshal(names)
	if err := pa.store.Set(pa.tokenIndexStorageKey(), blob); err != nil {
		return wrapError(ErrCorruptedState, "failed to persist token index", err)
	}
	return nil
}

// removeAllLocalTokens clears every token during activation removal.
// Caller holds pa.mu.
func (pa *PowerAuth) removeAllLocalTokens() {
	for _, name := range pa.loadTokenIndexLocked() {
		if err := pa.store.Remove(pa.tokenStorageKey(name)); err != nil {
			pa.logger.Warn().Err(err).Str("token_name", name).Msg("Failed to remove token")
		}
	}
	if err := pa.store.Remove(pa.tokenIndexStorageKey()); err != nil {
		pa.logger.Warn().Err(err).Msg("Failed to clear token index")
	}
	pa.tokens.lru.Clear()
}
