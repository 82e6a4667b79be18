package powerauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRestClient(t *testing.T, handler http.HandlerFunc) (*restClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := &restClient{
		transport: NewHTTPTransport(ClientConfig{TimeoutSeconds: 5}),
		baseURL:   srv.URL,
		appKey:    "app-key-test",
		logger:    zerolog.Nop(),
	}
	return client, srv
}

func TestRestClientPost(t *testing.T) {
	type echo struct {
		Value string `json:"value"`
	}
	var gotAppKey, gotRequestID, gotContentType string
	client, _ := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAppKey = r.Header.Get("X-PA-Application")
		gotRequestID = r.Header.Get("X-PA-Request-ID")
		gotContentType = r.Header.Get("Content-Type")
		var req echo
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(echo{Value: req.Value + "-pong"})
	})

	var out echo
	if err := client.post(context.Background(), "/echo", nil, &echo{Value: "ping"}, &out); err != nil {
		t.Fatalf("post: %v", err)
	}
	if out.Value != "ping-pong" {
		t.Fatalf("response = %q", out.Value)
	}
	if gotAppKey != "app-key-test" {
		t.Fatalf("X-PA-Application = %q", gotAppKey)
	}
	if gotRequestID == "" {
		t.Fatal("X-PA-Request-ID missing")
	}
	if gotContentType != "application/json" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
}

func TestRestClientServerError(t *testing.T) {
	client, _ := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"ERR_AUTHENTICATION","message":"bad signature"}`))
	})

	err := client.post(context.Background(), "/signed", nil, nil, nil)
	if KindOf(err) != ErrServerRejected {
		t.Fatalf("kind = %v, want ServerRejected", KindOf(err))
	}
	if ServerCode(err) != "ERR_AUTHENTICATION" {
		t.Fatalf("code = %q", ServerCode(err))
	}
}

func TestRestClientNonJSONError(t *testing.T) {
	client, _ := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	})

	err := client.post(context.Background(), "/x", nil, nil, nil)
	if KindOf(err) != ErrServerRejected {
		t.Fatalf("kind = %v, want ServerRejected", KindOf(err))
	}
	if ServerCode(err) != "HTTP_502" {
		t.Fatalf("code = %q", ServerCode(err))
	}
}

func TestRestClientNetworkFailure(t *testing.T) {
	client, srv := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	err := client.post(context.Background(), "/x", nil, nil, nil)
	if KindOf(err) != ErrNetwork {
		t.Fatalf("kind = %v, want Network", KindOf(err))
	}
}

func TestRestClientCancelledContext(t *testing.T) {
	client, _ := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.post(ctx, "/x", nil, nil, nil)
	if KindOf(err) != ErrCancelled {
		t.Fatalf("kind = %v, want Cancelled", KindOf(err))
	}
}

func TestRestClientExtraHeaders(t *testing.T) {
	var gotSignature string
	client, _ := newTestRestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeaderKey)
		w.Write([]byte(`{}`))
	})

	headers := map[string]string{SignatureHeaderKey: "PowerAuth pa_signature=\"x\""}
	if err := client.postRaw(context.Background(), "/signed", headers, []byte(`{}`), nil); err != nil {
		t.Fatalf("postRaw: %v", err)
	}
	if gotSignature == "" {
		t.Fatal("signature header not transmitted")
	}
}
