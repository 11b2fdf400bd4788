package openpay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paybot/openpay/types"
)

// walletNetwork stubs the whole remote side: both wallet records, the
// authorization server, and the three phase endpoints, on one TLS server.
type walletNetwork struct {
	srv *httptest.Server
}

func newWalletNetwork(t *testing.T) *walletNetwork {
	t.Helper()
	n := &walletNetwork{}
	n.srv = httptest.NewTLSServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *walletNetwork) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/treasury":
		n.writeMetadata(w, "/treasury", "USD")
	case "/bob":
		n.writeMetadata(w, "/bob", "USD")
	case "/auth":
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": map[string]any{"value": "tok", "expires_in": 600},
		})
	case "/incoming-payments":
		json.NewEncoder(w).Encode(map[string]any{"id": n.srv.URL + "/incoming-payments/res-1"})
	case "/quotes":
		json.NewEncoder(w).Encode(map[string]any{"id": n.srv.URL + "/quotes/quote-1"})
	case "/outgoing-payments":
		json.NewEncoder(w).Encode(map[string]any{
			"id":    n.srv.URL + "/outgoing-payments/op-1",
			"state": "COMPLETED",
		})
	default:
		http.NotFound(w, r)
	}
}

func (n *walletNetwork) writeMetadata(w http.ResponseWriter, path, asset string) {
	json.NewEncoder(w).Encode(map[string]any{
		"id":         n.srv.URL + path,
		"assetCode":  asset,
		"assetScale": 2,
		"authServer": n.srv.URL + "/auth",
		"capabilities": map[string]any{
			"incomingPayments": map[string]any{"id": n.srv.URL + "/incoming-payments"},
			"quotes":           map[string]any{"id": n.srv.URL + "/quotes"},
			"outgoingPayments": map[string]any{"id": n.srv.URL + "/outgoing-payments"},
		},
	})
}

func (n *walletNetwork) pointer(path string) types.AccountIdentifier {
	return types.AccountIdentifier("$" + strings.TrimPrefix(n.srv.URL, "https://") + path)
}

func testKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(priv.Seed())
}

func newTestEngine(t *testing.T, n *walletNetwork) *Engine {
	t.Helper()
	e, err := New(&types.Config{
		Source: types.AccountConfig{
			Address:    n.pointer("/treasury"),
			KeyID:      "key-1",
			PrivateKey: testKey(t),
		},
	}, WithHTTPClient(n.srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(nil); !types.IsCode(err, types.ErrConfig) {
		t.Fatalf("nil config: got %v", err)
	}

	missingKey := &types.Config{Source: types.AccountConfig{
		Address: "$wallet.example.com/a", PrivateKey: testKey(t)}}
	if _, err := New(missingKey); !types.IsCode(err, types.ErrConfig) {
		t.Fatalf("missing keyId: got %v", err)
	}

	badAddress := &types.Config{Source: types.AccountConfig{
		Address: "wallet.example.com/a", KeyID: "k", PrivateKey: testKey(t)}}
	if _, err := New(badAddress); !types.IsCode(err, types.ErrConfig) {
		t.Fatalf("bad address: got %v", err)
	}

	badKey := &types.Config{Source: types.AccountConfig{
		Address: "$wallet.example.com/a", KeyID: "k", PrivateKey: "!!not-base64!!"}}
	if _, err := New(badKey); !types.IsCode(err, types.ErrSigning) {
		t.Fatalf("bad key: got %v", err)
	}

	badBounds := &types.Config{
		Source: types.AccountConfig{
			Address: "$wallet.example.com/a", KeyID: "k", PrivateKey: testKey(t)},
		MinAmount: "10",
		MaxAmount: "1",
	}
	if _, err := New(badBounds); !types.IsCode(err, types.ErrConfig) {
		t.Fatalf("inverted bounds: got %v", err)
	}
}

func TestEngineConversation(t *testing.T) {
	n := newWalletNetwork(t)
	e := newTestEngine(t, n)
	ctx := context.Background()

	say := func(text string) types.Reply {
		return e.HandleEvent(ctx, types.ChatEvent{UserID: "u1", ChatID: "c1", Text: text})
	}

	if reply := say("/start"); !strings.Contains(reply.Text, "/send") {
		t.Fatalf("unexpected greeting: %q", reply.Text)
	}

	// Register Bob; the wallet is verified against the network before saving.
	say("/addcontact")
	say("Bob")
	say(string(n.pointer("/bob")))
	if reply := say("skip"); !strings.Contains(reply.Text, "Contact saved") {
		t.Fatalf("contact not saved: %q", reply.Text)
	}

	if reply := say("/contacts"); !strings.Contains(reply.Text, "Bob") {
		t.Fatalf("contact missing from listing: %q", reply.Text)
	}

	// Pay him.
	say("/send")
	say("1")
	say("2.50")
	reply := say("yes")
	if !strings.Contains(reply.Text, "Payment sent") || !strings.Contains(reply.Text, "op-1") {
		t.Fatalf("unexpected payment summary: %q", reply.Text)
	}
}

func TestEngineSendPaymentDirect(t *testing.T) {
	n := newWalletNetwork(t)
	e := newTestEngine(t, n)
	ctx := context.Background()

	txn, err := e.SendPayment(ctx, n.pointer("/bob"), "10.00", "invoice 42")
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if txn.Phase != types.PhaseCompleted || txn.ExecutionID == "" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	if _, err := e.SendPayment(ctx, n.pointer("/bob"), "ten dollars", ""); !types.IsCode(err, types.ErrValidation) {
		t.Fatalf("malformed amount: got %v", err)
	}
	if _, err := e.SendPayment(ctx, n.pointer("/bob"), "5000", ""); !types.IsCode(err, types.ErrValidation) {
		t.Fatalf("out-of-bounds amount: got %v", err)
	}
}

func TestEngineConnectivityAndWarmup(t *testing.T) {
	n := newWalletNetwork(t)
	e := newTestEngine(t, n)
	ctx := context.Background()

	if err := e.VerifyConnectivity(ctx); err != nil {
		t.Fatalf("VerifyConnectivity: %v", err)
	}

	interaction, err := e.WarmGrants(ctx)
	if err != nil {
		t.Fatalf("WarmGrants: %v", err)
	}
	if interaction != nil {
		t.Fatalf("unexpected interaction: %+v", interaction)
	}

	meta, err := e.ResolveAccount(ctx, n.pointer("/bob"))
	if err != nil {
		t.Fatalf("ResolveAccount: %v", err)
	}
	if meta.AssetCode != "USD" || meta.Scale() != 2 {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	if _, err := e.ResolveAccount(ctx, n.pointer("/nobody")); !types.IsCode(err, types.ErrResolution) {
		t.Fatalf("missing account: got %v", err)
	}
}
