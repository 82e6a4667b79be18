package powerauth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Endpoint paths consumed by the engine. The server side is external; only
// the names and JSON bodies are fixed here.
const (
	endpointActivationCreate  = "/pa/v3/activation/create"
	endpointActivationStatus  = "/pa/v3/activation/status"
	endpointActivationRemove  = "/pa/v3/activation/remove"
	endpointUpgradeStart      = "/pa/v3/upgrade/start"
	endpointUpgradeCommit     = "/pa/v3/upgrade/commit"
	endpointSignatureValidate = "/pa/v3/signature/validate"
	endpointVaultUnlock       = "/pa/v3/vault/unlock"
	endpointTokenCreate       = "/pa/v3/token/create"
	endpointTokenRemove       = "/pa/v3/token/remove"
	endpointRecoveryConfirm   = "/pa/v3/recovery/confirm"
)

// Server error codes the engine reacts to. Any other code is surfaced to the
// caller unchanged.
const (
	codeAuthenticationFailed = "ERR_AUTHENTICATION"
	codeCounterOutOfSync     = "ERR_COUNTER_OUT_OF_SYNC"
	codeActivationNotFound   = "ERR_ACTIVATION_NOT_FOUND"
	codeActivationRemoved    = "ERR_ACTIVATION_REMOVED"
	codeActivationBlocked    = "ERR_ACTIVATION_BLOCKED"
)

// Transport sends one HTTP request and returns the response. Implementations
// must not retry; retry policy belongs to the application, not this engine.
type Transport interface {
	Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (status int, response []byte, err error)
}

// HTTPTransport is the default net/http backed transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds the default transport from the client
// configuration.
func NewHTTPTransport(cfg ClientConfig) *HTTPTransport {
	transport := http.DefaultTransport
	if cfg.AllowUnsecuredConnection {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: transport,
		},
	}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// errorBody is the JSON error payload returned by the server.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// restClient performs JSON request/response exchanges against the configured
// base URL and maps transport and server failures onto the engine error
// taxonomy.
type restClient struct {
	transport Transport
	baseURL   string
	appKey    string
	logger    zerolog.Logger
}

func newRestClient(cfg *Configuration, transport Transport, logger zerolog.Logger) *restClient {
	return &restClient{
		transport: transport,
		baseURL:   strings.TrimRight(cfg.BaseEndpointURL, "/"),
		appKey:    cfg.ApplicationKey,
		logger:    logger,
	}
}

// post sends a JSON body to path and decodes the JSON response into out.
// extraHeaders carries the signature or token header when the call is
// authenticated.
func (c *restClient) post(ctx context.Context, path string, extraHeaders map[string]string, request, out any) error {
	var body []byte
	if request != nil {
		var err error
		body, err = json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	return c.postRaw(ctx, path, extraHeaders, body, out)
}

// postRaw sends pre-encoded bytes. Signed calls use this so the signature
// covers exactly the transmitted body.
func (c *restClient) postRaw(ctx context.Context, path string, extraHeaders map[string]string, body []byte, out any) error {
	headers := map[string]string{
		"Content-Type":     "application/json",
		"Accept":           "application/json",
		"X-PA-Request-ID":  uuid.New().String(),
		"X-PA-Application": c.appKey,
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}

	status, respBody, err := c.transport.Send(ctx, http.MethodPost, c.baseURL+path, headers, body)
	if err != nil {
		if ctx.Err() != nil {
			return wrapError(ErrCancelled, "request cancelled", ctx.Err())
		}
		return wrapError(ErrNetwork, "transport failure on "+path, err)
	}

	if status >= 400 {
		var eb errorBody
		if json.Unmarshal(respBody, &eb) != nil || eb.Code == "" {
			eb.Code = fmt.Sprintf("HTTP_%d", status)
			eb.Message = "server rejected request"
		}
		c.logger.Debug().
			Str("path", path).
			Int("status", status).
			Str("code", eb.Code).
			Msg("Server rejected request")
		return serverError(eb.Code, eb.Message)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return wrapError(ErrNetwork, "malformed server response on "+path, err)
		}
	}
	return nil
}
