package http_api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nearpay/vectigal/internal/config"
	"github.com/nearpay/vectigal/internal/metrics"
	"github.com/nearpay/vectigal/internal/models"
	"github.com/nearpay/vectigal/internal/pricing"
	"github.com/nearpay/vectigal/internal/receipt"
	"github.com/nearpay/vectigal/pkg/logger"
)

type mockProvider struct {
	mu       sync.Mutex
	admitErr error
	admitted []*receipt.SignedState
	costs    []*big.Int

	validateErr error
	state       *models.ChannelState
	stateErr    error
	voucher     *receipt.SignedState
	closeErr    error
}

func (m *mockProvider) AccountInfo() *models.AccountInfoPublic {
	return &models.AccountInfoPublic{AccountID: "provider.near", Network: "testnet", PublicKey: "ed25519:stub"}
}

func (m *mockProvider) ChannelState(_ context.Context, name string) (*models.ChannelState, error) {
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	return m.state, nil
}

func (m *mockProvider) AdmitReceipt(_ context.Context, ss *receipt.SignedState, cost *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitErr != nil {
		return m.admitErr
	}
	m.admitted = append(m.admitted, ss)
	m.costs = append(m.costs, cost)
	return nil
}

func (m *mockProvider) ValidateReceipt(_ context.Context, ss *receipt.SignedState) error {
	return m.validateErr
}

func (m *mockProvider) CloseChannel(_ context.Context, name string) (*receipt.SignedState, error) {
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	return m.voucher, nil
}

type testServer struct {
	srv      *HTTPServer
	provider *mockProvider
	upstream *httptest.Server
}

func newTestServer(t *testing.T, upstream http.HandlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(true)
	if err != nil {
		t.Fatal(err)
	}

	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)

	relay, err := NewRelay(up.URL, "sk-upstream", metrics.NoopRecorder{}, log)
	if err != nil {
		t.Fatal(err)
	}

	// Flat charge of 7 per request; bodies naming price-fail refuse to
	// price so the pricing error path can be driven.
	costFn := func(body []byte, _ models.RouteMeta) (*big.Int, error) {
		if bytes.Contains(body, []byte("price-fail")) {
			return nil, models.NewAdmitError(models.ErrPricing, "unpriceable request")
		}
		return big.NewInt(7), nil
	}

	cfg := &config.Config{
		Development:           true,
		Host:                  "127.0.0.1",
		Port:                  0,
		MaxInflightPerChannel: 1,
		RequestTimeoutSecs:    5,
	}
	provider := &mockProvider{}
	srv := NewHTTPServer(provider, pricing.NewRoutes(costFn), relay, metrics.NoopRecorder{}, cfg, log)
	return &testServer{srv: srv.(*HTTPServer), provider: provider, upstream: up}
}

func signedHeader(t *testing.T, name string, spent int64) string {
	t.Helper()
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ss, err := receipt.Sign(receipt.State{ChannelName: name, SpentBalance: big.NewInt(spent)}, sk)
	if err != nil {
		t.Fatal(err)
	}
	header, err := receipt.FormatHeader(*ss)
	if err != nil {
		t.Fatal(err)
	}
	return header
}

func TestGateMissingHeader(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached without payment")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "missing_header" {
		t.Fatalf("error %v", body["error"])
	}
}

func TestGateMalformedHeader(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set(PaymentHeader, "!!not-base64!!")
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestGateRejectionMapping(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	ts.provider.admitErr = &models.AdmitError{
		Kind:       models.ErrNonMonotonic,
		Message:    "stale",
		CurrentMax: big.NewInt(250),
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set(PaymentHeader, signedHeader(t, "alice-1", 100))
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["current_max"] != "250" {
		t.Fatalf("current_max %v, want 250", body["current_max"])
	}
}

func TestGatePricingError(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(`{"model":"price-fail"}`))
	req.Header.Set(PaymentHeader, signedHeader(t, "alice-1", 100))
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", w.Code)
	}
	if len(ts.provider.admitted) != 0 {
		t.Fatal("nothing may be admitted when pricing fails")
	}
}

func TestGateAdmitsAndRelays(t *testing.T) {
	var gotPath, gotAuth, gotPayment string
	var gotBody []byte
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPayment = r.Header.Get(PaymentHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	reqBody := `{"model":"gpt-x","max_tokens":10}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(reqBody))
	req.Header.Set(PaymentHeader, signedHeader(t, "alice-1", 100))
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("upstream path %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer sk-upstream" {
		t.Fatalf("upstream auth %q", gotAuth)
	}
	if gotPayment != "" {
		t.Fatal("payment header must not leak upstream")
	}
	if string(gotBody) != reqBody {
		t.Fatalf("upstream body %q, want %q", gotBody, reqBody)
	}
	if len(ts.provider.admitted) != 1 || ts.provider.costs[0].Int64() != 7 {
		t.Fatalf("admitted %d costs %v", len(ts.provider.admitted), ts.provider.costs)
	}
	if w.Body.String() != `{"choices":[]}` {
		t.Fatalf("response body %q", w.Body.String())
	}
}

func TestGatePerChannelInflightCap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	header := signedHeader(t, "alice-1", 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
		req.Header.Set(PaymentHeader, header)
		ts.srv.router.ServeHTTP(w, req)
	}()
	<-started

	// The slot is taken; the next request on the same channel bounces.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set(PaymentHeader, header)
	ts.srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}

	// A different channel is unaffected.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set(PaymentHeader, signedHeader(t, "bob-1", 100))
	ts.srv.router.ServeHTTP(w, req)
	if w.Code == http.StatusTooManyRequests {
		t.Fatal("other channels must not share the in-flight cap")
	}

	close(release)
	wg.Wait()
}

func TestChannelStateEndpoint(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	ts.provider.state = &models.ChannelState{
		ChannelName:      "alice-1",
		Sender:           "alice.near",
		Receiver:         "provider.near",
		AddedBalance:     "1000000",
		WithdrawnBalance: "0",
		CurrentSpent:     "250",
	}

	w := httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pc/state/alice-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var state models.ChannelState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatal(err)
	}
	if state.CurrentSpent != "250" || state.ChannelName != "alice-1" {
		t.Fatalf("state %+v", state)
	}

	ts.provider.stateErr = models.NewAdmitError(models.ErrUnknownChannel, "nope")
	w = httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/pc/state/ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	header := signedHeader(t, "alice-1", 100)
	w := httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pc/validate", strings.NewReader(header)))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	ts.provider.validateErr = &models.AdmitError{Kind: models.ErrNonMonotonic, CurrentMax: big.NewInt(500)}
	w = httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pc/validate", strings.NewReader(header)))
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", w.Code)
	}

	w = httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pc/validate", strings.NewReader("garbage")))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestInfoAndHealth(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	w := httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("health %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	ts.srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("info status %d", w.Code)
	}
	var info models.AccountInfoPublic
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.AccountID != "provider.near" {
		t.Fatalf("info %+v", info)
	}
}

func TestRelayPreservesEventStream(t *testing.T) {
	ts := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"delta\":\"hel\"}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/oai/v1/chat/completions", strings.NewReader(`{"stream":true}`))
	req.Header.Set(PaymentHeader, signedHeader(t, "alice-1", 100))
	ts.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(w.Body.String(), "data: [DONE]") {
		t.Fatalf("stream body %q", w.Body.String())
	}
}
