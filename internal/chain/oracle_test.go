package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nearpay/vectigal/pkg/logger"
	"github.com/nearpay/vectigal/pkg/validation"
)

// fakeRPC serves the NEAR query surface for one contract channel.
type fakeRPC struct {
	t        *testing.T
	calls    atomic.Int64
	response func() interface{}
}

func (f *fakeRPC) handler(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     uint64          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("bad rpc request: %v", err)
		return
	}
	if req.Method != "query" {
		f.t.Errorf("method %q, want query", req.Method)
	}
	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		f.t.Errorf("params must be a named object: %v", err)
	}
	if params["request_type"] != "call_function" {
		f.t.Errorf("request_type %v", params["request_type"])
	}

	payload, _ := json.Marshal(f.response())
	// call_function results come back as an array of byte values
	ints := make([]int, len(payload))
	for i, b := range payload {
		ints[i] = int(b)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]interface{}{"result": ints, "logs": []string{}},
	})
}

func testOracle(t *testing.T, response func() interface{}, ttl time.Duration) (*Oracle, *fakeRPC) {
	t.Helper()
	log, err := logger.NewLogger(true)
	if err != nil {
		t.Fatal(err)
	}
	rpc := &fakeRPC{t: t, response: response}
	server := httptest.NewServer(http.HandlerFunc(rpc.handler))
	t.Cleanup(server.Close)
	return NewOracle(server.URL, "paychan.near", ttl, log), rpc
}

func channelJSON(senderPK, receiverPK ed25519.PublicKey, forceClose *uint64) map[string]interface{} {
	return map[string]interface{}{
		"sender": map[string]string{
			"account_id": "alice.near",
			"public_key": validation.FormatPublicKey(senderPK),
		},
		"receiver": map[string]string{
			"account_id": "provider.near",
			"public_key": validation.FormatPublicKey(receiverPK),
		},
		"added_balance":       "1000000",
		"withdrawn_balance":   "250",
		"force_close_started": forceClose,
	}
}

func TestOracleChannelView(t *testing.T) {
	senderPK, _, _ := ed25519.GenerateKey(rand.Reader)
	receiverPK, _, _ := ed25519.GenerateKey(rand.Reader)
	started := uint64(1_700_000_000) * uint64(time.Second)

	oracle, _ := testOracle(t, func() interface{} {
		return channelJSON(senderPK, receiverPK, &started)
	}, time.Minute)

	view, err := oracle.ChannelView(context.Background(), "alice-1")
	if err != nil {
		t.Fatal(err)
	}
	if view == nil || view.Closed {
		t.Fatalf("view %+v", view)
	}
	if view.Sender != "alice.near" || view.Receiver != "provider.near" {
		t.Fatalf("participants %s/%s", view.Sender, view.Receiver)
	}
	if view.AddedBalance.String() != "1000000" || view.WithdrawnBalance.String() != "250" {
		t.Fatalf("balances %s/%s", view.AddedBalance, view.WithdrawnBalance)
	}
	if view.ForceCloseStarted == nil || *view.ForceCloseStarted != 1_700_000_000 {
		t.Fatalf("force close %v, want seconds since epoch", view.ForceCloseStarted)
	}
	if string(view.SenderPK) != string(senderPK) {
		t.Fatal("sender key mismatch")
	}
}

func TestOracleCacheTTL(t *testing.T) {
	senderPK, _, _ := ed25519.GenerateKey(rand.Reader)
	receiverPK, _, _ := ed25519.GenerateKey(rand.Reader)

	oracle, rpc := testOracle(t, func() interface{} {
		return channelJSON(senderPK, receiverPK, nil)
	}, time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := oracle.ChannelView(context.Background(), "alice-1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := rpc.calls.Load(); n != 1 {
		t.Fatalf("rpc calls %d, want 1 while cached", n)
	}

	if _, err := oracle.ForceRefresh(context.Background(), "alice-1"); err != nil {
		t.Fatal(err)
	}
	if n := rpc.calls.Load(); n != 2 {
		t.Fatalf("rpc calls %d, want 2 after forced refresh", n)
	}
}

func TestOracleUnknownChannel(t *testing.T) {
	oracle, _ := testOracle(t, func() interface{} { return nil }, time.Minute)
	view, err := oracle.ChannelView(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if view != nil {
		t.Fatalf("view %+v, want nil for unknown channel", view)
	}
}

func TestOracleClosedSentinel(t *testing.T) {
	oracle, _ := testOracle(t, func() interface{} {
		return map[string]interface{}{
			"sender":              map[string]string{"account_id": closedSentinel, "public_key": "ed25519:11111111111111111111111111111111"},
			"receiver":            map[string]string{"account_id": closedSentinel, "public_key": "ed25519:11111111111111111111111111111111"},
			"added_balance":       "0",
			"withdrawn_balance":   "0",
			"force_close_started": nil,
		}
	}, time.Minute)

	view, err := oracle.ChannelView(context.Background(), "alice-1")
	if err != nil {
		t.Fatal(err)
	}
	if view == nil || !view.Closed {
		t.Fatalf("view %+v, want closed", view)
	}
}

func TestOracleRejectsBase64(t *testing.T) {
	// A response that is not the byte-array form must fail loudly rather
	// than decode to garbage.
	log, _ := logger.NewLogger(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]interface{}{"result": base64.StdEncoding.EncodeToString([]byte("{}"))},
		})
	}))
	t.Cleanup(server.Close)

	oracle := NewOracle(server.URL, "paychan.near", time.Minute, log)
	if _, err := oracle.ChannelView(context.Background(), "alice-1"); err == nil {
		t.Fatal("expected decode error")
	}
}
