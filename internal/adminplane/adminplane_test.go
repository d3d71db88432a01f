package adminplane

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ardents-control-plane/signing-bunker/internal/aclstore"
	"github.com/ardents-control-plane/signing-bunker/internal/configstore"
	"github.com/ardents-control-plane/signing-bunker/internal/eventproto"
	"github.com/ardents-control-plane/signing-bunker/internal/keystore"
	"github.com/ardents-control-plane/signing-bunker/internal/relay"
	"github.com/ardents-control-plane/signing-bunker/internal/rpckit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type harness struct {
	t        *testing.T
	plane    *AdminPlane
	signer   *eventproto.Ed25519Signer
	acl      *aclstore.Store
	keys     *keystore.Store
	configMu *sync.Mutex
	cfgPath  string
	callers  map[string]*relay.Node
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	acl, err := aclstore.Open(filepath.Join(dir, "acl.db"))
	if err != nil {
		t.Fatalf("aclstore.Open: %v", err)
	}
	t.Cleanup(func() { acl.Close() })

	cfgPath := filepath.Join(dir, "config.json")
	doc, err := configstore.Get(cfgPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}

	signer, err := eventproto.NewEd25519Signer([]byte("admin-seed-0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}
	doc.AdminPubkeys = []string{signer.PublicKey()}
	doc.AdminRelays = []string{"wss://relay.example"}
	doc.Domains = []configstore.DomainRecord{{Domain: "bunker.test", IdentityFilePath: filepath.Join(dir, "identities.json")}}
	var configMu sync.Mutex
	if err := configstore.Put(cfgPath, doc); err != nil {
		t.Fatalf("configstore.Put: %v", err)
	}

	keys := keystore.NewStore(nil)

	node := relay.NewNode(relay.DefaultConfig())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("node.Start: %v", err)
	}
	t.Cleanup(func() { node.Stop(context.Background()) })

	plane := New(node, signer, cfgPath, &configMu, acl, keys, nil, discardLogger())
	if err := plane.Start(context.Background()); err != nil {
		t.Fatalf("plane.Start: %v", err)
	}

	return &harness{t: t, plane: plane, signer: signer, acl: acl, keys: keys, configMu: &configMu, cfgPath: cfgPath, callers: map[string]*relay.Node{}}
}

// caller builds a relay.Node standing in for an admin's own client,
// subscribed and ready to exchange encrypted envelopes with the plane. A
// caller named "admin" is added to the config document's admin set.
func (h *harness) caller(name string, seed string) (*relay.Node, *eventproto.Ed25519Signer) {
	h.t.Helper()
	signer, err := eventproto.NewEd25519Signer([]byte(seed))
	if err != nil {
		h.t.Fatalf("NewEd25519Signer: %v", err)
	}
	node := relay.NewNode(relay.DefaultConfig())
	if err := node.Start(context.Background()); err != nil {
		h.t.Fatalf("node.Start: %v", err)
	}
	h.t.Cleanup(func() { node.Stop(context.Background()) })
	node.SetIdentity(signer.PublicKey())
	if name == "admin" {
		h.configMu.Lock()
		doc, err := configstore.Get(h.cfgPath)
		if err == nil {
			doc.AdminPubkeys = append(doc.AdminPubkeys, signer.PublicKey())
			err = configstore.Put(h.cfgPath, doc)
		}
		h.configMu.Unlock()
		if err != nil {
			h.t.Fatalf("registering admin caller: %v", err)
		}
	}
	h.callers[name] = node
	return node, signer
}

// call sends req from caller to the plane and waits for the matching
// response envelope.
func (h *harness) call(callerNode *relay.Node, callerSigner *eventproto.Ed25519Signer, method string, params any) rpckit.Response {
	h.t.Helper()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		h.t.Fatalf("marshal params: %v", err)
	}
	req := rpckit.Request{ID: "req-" + method, Method: method, Params: paramsRaw}
	plaintext, err := json.Marshal(req)
	if err != nil {
		h.t.Fatalf("marshal request: %v", err)
	}
	ciphertext, err := callerSigner.Encrypt(h.signer.PublicKey(), plaintext)
	if err != nil {
		h.t.Fatalf("encrypt: %v", err)
	}

	responses := make(chan relay.Envelope, 1)
	if err := callerNode.Subscribe(func(env relay.Envelope) { responses <- env }); err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}

	if err := callerNode.Publish(context.Background(), relay.Envelope{
		ID:        "env-" + method,
		SenderPub: callerSigner.PublicKey(),
		Recipient: h.signer.PublicKey(),
		Payload:   ciphertext,
	}); err != nil {
		h.t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-responses:
		respPlaintext, err := callerSigner.Decrypt(env.SenderPub, env.Payload)
		if err != nil {
			h.t.Fatalf("decrypt response: %v", err)
		}
		var resp rpckit.Response
		if err := json.Unmarshal(respPlaintext, &resp); err != nil {
			h.t.Fatalf("unmarshal response: %v", err)
		}
		return resp
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for response to %s", method)
		return rpckit.Response{}
	}
}

func TestCreateNewKeyInstallsUnlockedAndPersists(t *testing.T) {
	h := newHarness(t)
	adminNode, adminSigner := h.caller("admin", "caller-seed-aaaaaaaaaaaaaaaa")

	resp := h.call(adminNode, adminSigner, "create_new_key", []any{"alice", "s3cret"})
	if resp.Error != nil {
		t.Fatalf("create_new_key failed: %+v", resp.Error)
	}

	if !h.keys.IsUnlocked("alice") {
		t.Fatal("expected key alice to be unlocked in memory after creation")
	}
	doc, err := configstore.Get(h.cfgPath)
	if err != nil {
		t.Fatalf("configstore.Get: %v", err)
	}
	if _, ok := doc.Keys["alice"]; !ok {
		t.Fatal("expected key alice to be persisted to config")
	}
}

func TestCreateAccountRejectsReservedUsername(t *testing.T) {
	h := newHarness(t)
	adminNode, adminSigner := h.caller("admin", "caller-seed-bbbbbbbbbbbbbbbb")

	resp := h.call(adminNode, adminSigner, "create_account", []any{"admin", "", ""})
	if resp.Error == nil {
		t.Fatal("expected an error for a reserved username")
	}
	if resp.Error.Kind != rpckit.Conflict {
		t.Fatalf("expected Conflict, got %s", resp.Error.Kind)
	}
}

func TestCreateAccountGrantsCallerFullRightsOnNewKey(t *testing.T) {
	h := newHarness(t)
	adminNode, adminSigner := h.caller("admin", "caller-seed-cccccccccccccccc")

	resp := h.call(adminNode, adminSigner, "create_account", []any{"carol", "", ""})
	if resp.Error != nil {
		t.Fatalf("create_account failed: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var result CreateAccountResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Username != "carol" {
		t.Fatalf("expected username carol, got %s", result.Username)
	}

	keyName := "carol@bunker.test"
	decision, err := h.acl.Lookup(keyName, adminSigner.PublicKey(), aclstore.MethodConnect, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if decision != aclstore.Allow {
		t.Fatalf("expected caller to be granted connect on the new key, got %s", decision)
	}

	kind := 1
	decision, err = h.acl.Lookup(keyName, adminSigner.PublicKey(), aclstore.MethodSignEvent, &kind)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if decision != aclstore.Allow {
		t.Fatalf("expected caller to be granted sign_event(all) on the new key, got %s", decision)
	}
}

func TestUnknownAdminSenderIsRejected(t *testing.T) {
	h := newHarness(t)
	strangerNode, strangerSigner := h.caller("stranger", "caller-seed-dddddddddddddddd")

	resp := h.call(strangerNode, strangerSigner, "get_keys", []any{})
	if resp.Error == nil {
		t.Fatal("expected an unauthorized error for a non-admin sender")
	}
	if resp.Error.Kind != rpckit.Unauthorized {
		t.Fatalf("expected Unauthorized, got %s", resp.Error.Kind)
	}
}

func TestRenameAndRevokeKeyUser(t *testing.T) {
	h := newHarness(t)
	adminNode, adminSigner := h.caller("admin", "caller-seed-eeeeeeeeeeeeeeee")

	if err := h.acl.Grant("dave", "remote-pub", aclstore.MethodConnect, "", ""); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	users, err := h.acl.GetKeyUsers("dave")
	if err != nil || len(users) != 1 {
		t.Fatalf("GetKeyUsers: %v %v", users, err)
	}

	resp := h.call(adminNode, adminSigner, "rename_key_user", []any{users[0].ID, "dave's laptop"})
	if resp.Error != nil {
		t.Fatalf("rename_key_user failed: %+v", resp.Error)
	}

	resp = h.call(adminNode, adminSigner, "revoke_user", []any{users[0].ID})
	if resp.Error != nil {
		t.Fatalf("revoke_user failed: %+v", resp.Error)
	}

	decision, err := h.acl.Lookup("dave", "remote-pub", aclstore.MethodConnect, nil)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if decision != aclstore.Deny {
		t.Fatalf("expected revoked key user to deny, got %s", decision)
	}
}

func TestCreateNewPolicyAndToken(t *testing.T) {
	h := newHarness(t)
	adminNode, adminSigner := h.caller("admin", "caller-seed-ffffffffffffffff")

	policySpecParam := map[string]any{
		"name": "starter",
		"rules": []map[string]any{
			{"method": aclstore.MethodConnect},
			{"method": aclstore.MethodSignEvent, "kind": "1"},
		},
	}
	resp := h.call(adminNode, adminSigner, "create_new_policy", []any{policySpecParam})
	if resp.Error != nil {
		t.Fatalf("create_new_policy failed: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var policy aclstore.Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		t.Fatalf("unmarshal policy: %v", err)
	}
	if len(policy.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(policy.Rules))
	}

	resp = h.call(adminNode, adminSigner, "create_new_token", []any{"eve", "eve-app", policy.ID})
	if resp.Error != nil {
		t.Fatalf("create_new_token failed: %+v", resp.Error)
	}
	raw, _ = json.Marshal(resp.Result)
	var tok aclstore.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if tok.KeyName != "eve" || tok.PolicyID != policy.ID {
		t.Fatalf("unexpected token: %+v", tok)
	}
}
