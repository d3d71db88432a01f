// Package adminplane implements spec.md §4.6: the admin RPC channel
// bound to the bunker's own admin pubkey, admin command dispatch, and
// the acl fan-out/response loop the Authorization Engine borrows through
// the mediator pattern of spec.md §9. Dispatch follows the
// method-string-switch-with-typed-decode idiom of the identity domain's
// RPC adapter in the teacher.
package adminplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardents-control-plane/signing-bunker/internal/aclstore"
	"github.com/ardents-control-plane/signing-bunker/internal/authz"
	"github.com/ardents-control-plane/signing-bunker/internal/bunkerid"
	"github.com/ardents-control-plane/signing-bunker/internal/configstore"
	"github.com/ardents-control-plane/signing-bunker/internal/eventproto"
	"github.com/ardents-control-plane/signing-bunker/internal/identityfile"
	"github.com/ardents-control-plane/signing-bunker/internal/keystore"
	"github.com/ardents-control-plane/signing-bunker/internal/relay"
	"github.com/ardents-control-plane/signing-bunker/internal/rpckit"
	"github.com/ardents-control-plane/signing-bunker/internal/walletclient"
)

var reservedUsernames = map[string]bool{
	"admin": true, "root": true, "_": true, "administrator": true, "__": true,
}

// AdminPlane is spec.md §4.6's Admin RPC Plane.
type AdminPlane struct {
	node          *relay.Node
	signer        eventproto.Signer
	configPath    string
	configMu      *sync.Mutex
	acl           *aclstore.Store
	keys          *keystore.Store
	wallet        walletclient.Client
	logger        *slog.Logger
	onSelfPing    func()
	onKeyUnlocked func(keyName string, signer eventproto.Signer)
	allowedKeys   map[string]bool

	mu      sync.Mutex
	pending map[string]chan authz.AdminResponse
}

// New builds an AdminPlane. configMu must be the same mutex the rest of
// the process uses around configstore reads/writes (spec.md §5's
// "writers must serialize" rule spans every component that touches the
// config file, not just this one).
func New(node *relay.Node, signer eventproto.Signer, configPath string, configMu *sync.Mutex, acl *aclstore.Store, keys *keystore.Store, wallet walletclient.Client, logger *slog.Logger) *AdminPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminPlane{
		node: node, signer: signer, configPath: configPath, configMu: configMu,
		acl: acl, keys: keys, wallet: wallet, logger: logger,
		pending: make(map[string]chan authz.AdminResponse),
	}
}

// OnSelfPing registers a callback invoked whenever a ping addressed from
// this plane's own pubkey is observed — the signal the Liveness Monitor
// watchdog resets on.
func (a *AdminPlane) OnSelfPing(fn func()) { a.onSelfPing = fn }

// OnKeyUnlocked registers a callback invoked after unlock_key (or
// create_new_key) installs a key's material in the unlocked table. The
// composition root uses this to stand up the corresponding user-plane
// channel without adminplane knowing anything about userplane.
func (a *AdminPlane) OnKeyUnlocked(fn func(keyName string, signer eventproto.Signer)) {
	a.onKeyUnlocked = fn
}

// SetAllowedKeys restricts unlock_key to the given logical key names,
// implementing the CLI's "--key <name>" boot-time whitelist (spec.md
// §6). An empty or nil list means no restriction.
func (a *AdminPlane) SetAllowedKeys(names []string) {
	if len(names) == 0 {
		a.allowedKeys = nil
		return
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	a.allowedKeys = set
}

// Start subscribes to the admin channel, prints and persists the
// connection string, and — if configured — notifies every admin pubkey
// of it by direct message.
func (a *AdminPlane) Start(ctx context.Context) error {
	a.node.SetIdentity(a.signer.PublicKey())
	if err := a.node.Subscribe(a.handleEnvelope); err != nil {
		return fmt.Errorf("adminplane: subscribing: %w", err)
	}

	doc, err := a.loadConfig()
	if err != nil {
		return fmt.Errorf("adminplane: loading config: %w", err)
	}

	connStr := bunkerid.ConnectionString(a.signer.PublicKey(), doc.AdminRelays)
	fmt.Println(connStr)
	connPath := filepath.Join(filepath.Dir(a.configPath), "connection.txt")
	if err := os.WriteFile(connPath, []byte(connStr+"\n"), 0o600); err != nil {
		a.logger.Error("adminplane: writing connection.txt failed", "error", err)
	}

	if doc.NotifyAdminsBoot {
		for _, adminPub := range doc.AdminPubkeys {
			if err := a.sendRaw(ctx, adminPub, []byte(connStr)); err != nil {
				a.logger.Error("adminplane: notifying admin on boot failed", "admin", adminPub, "error", err)
			}
		}
	}
	return nil
}

// PublishSelfPing implements liveness.Publisher: a ping addressed to the
// admin plane's own pubkey, round-tripped through the relay.
func (a *AdminPlane) PublishSelfPing(ctx context.Context) error {
	req := rpckit.Request{ID: uuid.NewString(), Method: aclstore.MethodPing, Params: json.RawMessage("[]")}
	return a.sendRequest(ctx, a.signer.PublicKey(), req)
}

// FanOutACL implements authz.AdminFanout: send a parallel "acl" request
// to every configured admin pubkey and return the first response.
func (a *AdminPlane) FanOutACL(ctx context.Context, keyName, remotePubkey, method, paramsJSON, description string) (authz.AdminResponse, error) {
	doc, err := a.loadConfig()
	if err != nil {
		return authz.AdminResponse{}, err
	}
	if len(doc.AdminPubkeys) == 0 {
		return authz.AdminResponse{}, fmt.Errorf("adminplane: no admin pubkeys configured")
	}

	requestID := uuid.NewString()
	ch := make(chan authz.AdminResponse, 1)
	a.mu.Lock()
	a.pending[requestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, requestID)
		a.mu.Unlock()
	}()

	params, err := json.Marshal([]any{keyName, remotePubkey, method, paramsJSON, description})
	if err != nil {
		return authz.AdminResponse{}, err
	}
	req := rpckit.Request{ID: requestID, Method: "acl", Params: params}
	for _, adminPub := range doc.AdminPubkeys {
		if err := a.sendRequest(ctx, adminPub, req); err != nil {
			a.logger.Error("adminplane: acl fan-out publish failed", "admin", adminPub, "error", err)
		}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return authz.AdminResponse{}, ctx.Err()
	}
}

func (a *AdminPlane) handleEnvelope(env relay.Envelope) {
	plaintext, err := a.signer.Decrypt(env.SenderPub, env.Payload)
	if err != nil {
		a.logger.Error("adminplane: decrypting envelope failed", "error", err)
		return
	}
	var req rpckit.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		a.logger.Error("adminplane: decoding request failed", "error", err)
		return
	}

	if req.Method == aclstore.MethodPing && env.SenderPub == a.signer.PublicKey() && a.onSelfPing != nil {
		a.onSelfPing()
	}
	if req.Method == "acl_response" {
		a.handleACLResponse(req)
		return
	}

	if !a.admitted(env.SenderPub, req.Method) {
		a.respond(context.Background(), env.SenderPub, rpckit.Fail(req.ID, rpckit.New(rpckit.Unauthorized, "sender is not an admin")))
		return
	}

	started := time.Now()
	result, err := a.dispatch(context.Background(), env.SenderPub, req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		a.logger.Error("adminplane: command failed", "remote_pubkey", env.SenderPub, "method", req.Method, "request_id", req.ID, "latency_ms", latency, "error", err)
		a.respond(context.Background(), env.SenderPub, rpckit.Fail(req.ID, err))
		return
	}
	a.logger.Info("adminplane: command handled", "remote_pubkey", env.SenderPub, "method", req.Method, "request_id", req.ID, "latency_ms", latency)
	a.respond(context.Background(), env.SenderPub, rpckit.OK(req.ID, result))
}

func (a *AdminPlane) handleACLResponse(req rpckit.Request) {
	arr, err := rpckit.ParamArray(req.Params)
	if err != nil || len(arr) < 1 {
		return
	}
	targetID, err := rpckit.ParamString(arr, 0)
	if err != nil {
		return
	}
	kind, err := rpckit.ParamString(arr, 1)
	if err != nil {
		return
	}
	resp := authz.AdminResponse{
		Kind:        authz.AdminResponseKind(kind),
		Description: rpckit.ParamStringOptional(arr, 2, ""),
		Scope:       rpckit.ParamStringOptional(arr, 3, ""),
	}

	a.mu.Lock()
	ch, ok := a.pending[targetID]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (a *AdminPlane) admitted(senderPub, method string) bool {
	doc, err := a.loadConfig()
	if err != nil {
		return false
	}
	for _, admin := range doc.AdminPubkeys {
		if admin == senderPub {
			return true
		}
	}
	return method == aclstore.MethodCreateAccount && doc.AllowNewKeys
}

func (a *AdminPlane) dispatch(ctx context.Context, senderPub string, req rpckit.Request) (any, error) {
	arr, err := rpckit.ParamArray(req.Params)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case "get_keys":
		return a.getKeys()
	case "get_key_users":
		keyName, err := rpckit.ParamString(arr, 0)
		if err != nil {
			return nil, err
		}
		return a.acl.GetKeyUsers(keyName)
	case "get_key_tokens":
		keyName, err := rpckit.ParamString(arr, 0)
		if err != nil {
			return nil, err
		}
		return a.acl.GetKeyTokens(keyName)
	case "get_policies":
		return a.acl.GetPolicies()
	case "create_new_key":
		return a.createNewKey(arr)
	case "create_new_policy":
		return a.createNewPolicy(arr)
	case "create_new_token":
		return a.createNewToken(senderPub, arr)
	case "unlock_key":
		return a.unlockKey(arr)
	case "rename_key_user":
		keyUserID, err := rpckit.ParamString(arr, 0)
		if err != nil {
			return nil, err
		}
		description, err := rpckit.ParamString(arr, 1)
		if err != nil {
			return nil, err
		}
		if err := a.acl.RenameKeyUser(keyUserID, description); err != nil {
			return nil, rpckit.New(rpckit.NotFound, "key user not found: %s", err.Error())
		}
		return map[string]bool{"renamed": true}, nil
	case "revoke_user":
		keyUserID, err := rpckit.ParamString(arr, 0)
		if err != nil {
			return nil, err
		}
		if err := a.acl.RevokeUser(keyUserID); err != nil {
			return nil, rpckit.New(rpckit.NotFound, "key user not found: %s", err.Error())
		}
		return map[string]bool{"revoked": true}, nil
	case aclstore.MethodCreateAccount:
		username := rpckit.ParamStringOptional(arr, 0, "")
		domain := rpckit.ParamStringOptional(arr, 1, "")
		email := rpckit.ParamStringOptional(arr, 2, "")
		return a.CreateAccount(ctx, senderPub, username, domain, email)
	case aclstore.MethodPing:
		return map[string]bool{"pong": true}, nil
	default:
		return nil, rpckit.New(rpckit.BadRequest, "unknown admin method %q", req.Method)
	}
}

func (a *AdminPlane) getKeys() (any, error) {
	doc, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	type keyInfo struct {
		Name     string `json:"name"`
		Unlocked bool   `json:"unlocked"`
	}
	out := make([]keyInfo, 0, len(doc.Keys))
	for name := range doc.Keys {
		out = append(out, keyInfo{Name: name, Unlocked: a.keys.IsUnlocked(name)})
	}
	return map[string]any{"keys": out}, nil
}

// createNewKey implements spec.md §4.6's create_new_key: generate (or
// accept) seed material, encrypt it, persist to config, and install it
// unlocked. The skeleton-profile publish spec.md §4.6 describes is not
// reproduced here — see DESIGN.md for why the point-to-point relay
// contract this module defines has no broadcast primitive to carry it.
func (a *AdminPlane) createNewKey(arr []json.RawMessage) (any, error) {
	keyName, err := rpckit.ParamString(arr, 0)
	if err != nil {
		return nil, err
	}
	passphrase, err := rpckit.ParamString(arr, 1)
	if err != nil {
		return nil, err
	}
	nsec := rpckit.ParamStringOptional(arr, 2, "")

	var seed []byte
	if nsec == "" {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, rpckit.New(rpckit.Internal, "generating key material: %s", err.Error())
		}
	} else {
		seed, err = hex.DecodeString(nsec)
		if err != nil {
			return nil, rpckit.New(rpckit.BadRequest, "nsec must be hex-encoded seed material: %s", err.Error())
		}
	}

	signer, err := eventproto.NewEd25519Signer(seed)
	if err != nil {
		return nil, rpckit.New(rpckit.BadRequest, "invalid key material: %s", err.Error())
	}

	entry, err := keystore.Encrypt(seed, passphrase)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "encrypting key: %s", err.Error())
	}

	a.configMu.Lock()
	doc, err := configstore.Get(a.configPath)
	if err != nil {
		a.configMu.Unlock()
		return nil, rpckit.New(rpckit.Internal, "reading config: %s", err.Error())
	}
	doc.Keys[keyName] = entry
	a.persistConfigOrExit(doc)
	a.configMu.Unlock()

	a.keys.Install(keyName, seed)
	if a.onKeyUnlocked != nil {
		a.onKeyUnlocked(keyName, signer)
	}
	return map[string]string{"key_name": keyName, "pubkey": signer.PublicKey()}, nil
}

func (a *AdminPlane) unlockKey(arr []json.RawMessage) (any, error) {
	keyName, err := rpckit.ParamString(arr, 0)
	if err != nil {
		return nil, err
	}
	passphrase, err := rpckit.ParamString(arr, 1)
	if err != nil {
		return nil, err
	}
	if a.allowedKeys != nil && !a.allowedKeys[keyName] {
		return nil, rpckit.New(rpckit.Unauthorized, "key %q is not in the boot-time whitelist", keyName)
	}

	doc, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	entry, ok := doc.Keys[keyName]
	if !ok {
		return nil, rpckit.New(rpckit.NotFound, "key %q is not configured", keyName)
	}
	ok, err = a.keys.Unlock(keyName, entry, passphrase)
	if err != nil || !ok {
		return nil, rpckit.New(rpckit.BadPassphraseOrCorrupt, "unlock failed for key %q", keyName)
	}
	if a.onKeyUnlocked != nil {
		material, _ := a.keys.GetUnlocked(keyName)
		if signer, sErr := eventproto.NewEd25519Signer(material); sErr == nil {
			a.onKeyUnlocked(keyName, signer)
		}
	}
	return map[string]bool{"unlocked": true}, nil
}

type policyRuleSpec struct {
	Method        string `json:"method"`
	Kind          string `json:"kind,omitempty"`
	MaxUsageCount *int   `json:"max_usage_count,omitempty"`
}

type policySpec struct {
	Name      string           `json:"name"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Rules     []policyRuleSpec `json:"rules"`
}

func (a *AdminPlane) createNewPolicy(arr []json.RawMessage) (any, error) {
	var spec policySpec
	if err := rpckit.ParamObject(arr, 0, &spec); err != nil {
		return nil, err
	}
	rules := make([]aclstore.PolicyRule, 0, len(spec.Rules))
	for _, r := range spec.Rules {
		rules = append(rules, aclstore.PolicyRule{Method: r.Method, Kind: r.Kind, MaxUsageCount: r.MaxUsageCount})
	}
	policy, err := a.acl.CreatePolicy(spec.Name, spec.ExpiresAt, rules)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "creating policy: %s", err.Error())
	}
	return policy, nil
}

func (a *AdminPlane) createNewToken(senderPub string, arr []json.RawMessage) (any, error) {
	keyName, err := rpckit.ParamString(arr, 0)
	if err != nil {
		return nil, err
	}
	clientName, err := rpckit.ParamString(arr, 1)
	if err != nil {
		return nil, err
	}
	policyID, err := rpckit.ParamString(arr, 2)
	if err != nil {
		return nil, err
	}
	var expiresAt *time.Time
	if hours, ok, _ := rpckit.ParamInt(arr, 3); ok && hours > 0 {
		t := time.Now().UTC().Add(time.Duration(hours) * time.Hour)
		expiresAt = &t
	}

	tok, err := a.acl.CreateToken(keyName, clientName, policyID, senderPub, expiresAt)
	if err != nil {
		if err == aclstore.ErrPolicyNotFound {
			return nil, rpckit.New(rpckit.NotFound, "policy %q not found", policyID)
		}
		return nil, rpckit.New(rpckit.Internal, "creating token: %s", err.Error())
	}
	return tok, nil
}

// CreateAccountResult is the response create_account produces, per
// spec.md §4.6.
type CreateAccountResult struct {
	Username string                   `json:"username"`
	Pubkey   string                   `json:"pubkey"`
	Domain   string                   `json:"domain"`
	Wallet   *walletclient.WalletInfo `json:"wallet,omitempty"`
}

// CreateAccount implements spec.md §4.6's create_account: validates the
// username, generates a key, appends it to the domain identity file,
// optionally provisions a wallet, then grants callerPubkey the standard
// rights on the new key. It is exported so the user plane can reach it
// through the narrow AccountCreator interface without adminplane and
// userplane holding references to each other's full types.
func (a *AdminPlane) CreateAccount(ctx context.Context, callerPubkey, username, domain, email string) (any, error) {
	if reservedUsernames[username] {
		return nil, rpckit.New(rpckit.Conflict, "username %q is reserved", username)
	}

	doc, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if len(doc.Domains) == 0 {
		return nil, rpckit.New(rpckit.Conflict, "no domain configured")
	}
	var domainRecord configstore.DomainRecord
	if domain == "" {
		domainRecord = doc.Domains[0]
		domain = domainRecord.Domain
	} else {
		found := false
		for _, d := range doc.Domains {
			if d.Domain == domain {
				domainRecord = d
				found = true
				break
			}
		}
		if !found {
			return nil, rpckit.New(rpckit.Conflict, "domain %q is not configured", domain)
		}
	}

	if username == "" {
		username, err = randomUsername()
		if err != nil {
			return nil, rpckit.New(rpckit.Internal, "generating username: %s", err.Error())
		}
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, rpckit.New(rpckit.Internal, "generating key material: %s", err.Error())
	}
	signer, err := eventproto.NewEd25519Signer(seed)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "deriving key: %s", err.Error())
	}
	keyName := fmt.Sprintf("%s@%s", username, domain)

	entry, err := keystore.Encrypt(seed, uuid.NewString())
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "encrypting key: %s", err.Error())
	}
	a.configMu.Lock()
	doc, err = configstore.Get(a.configPath)
	if err != nil {
		a.configMu.Unlock()
		return nil, rpckit.New(rpckit.Internal, "reading config: %s", err.Error())
	}
	doc.Keys[keyName] = entry
	a.persistConfigOrExit(doc)
	a.configMu.Unlock()
	a.keys.Install(keyName, seed)
	if a.onKeyUnlocked != nil {
		a.onKeyUnlocked(keyName, signer)
	}

	if domainRecord.IdentityFilePath != "" {
		if err := identityfile.AddAccount(domainRecord.IdentityFilePath, username, signer.PublicKey(), doc.UserRelays); err != nil {
			return nil, rpckit.New(rpckit.Internal, "writing identity file: %s", err.Error())
		}
	}

	result := CreateAccountResult{Username: username, Pubkey: signer.PublicKey(), Domain: domain}
	if domainRecord.WalletBackendURL != "" && a.wallet != nil {
		info, err := a.wallet.ProvisionWallet(ctx, username, signer.PublicKey())
		if err != nil {
			a.logger.Error("adminplane: wallet provisioning failed", "username", username, "error", err)
		} else {
			result.Wallet = &info
		}
	}

	if err := a.acl.Grant(keyName, callerPubkey, aclstore.MethodConnect, "", ""); err != nil {
		return nil, rpckit.New(rpckit.Internal, "granting connect: %s", err.Error())
	}
	if err := a.acl.Grant(keyName, callerPubkey, aclstore.MethodSignEvent, "", aclstore.ScopeAll); err != nil {
		return nil, rpckit.New(rpckit.Internal, "granting sign_event: %s", err.Error())
	}
	if err := a.acl.Grant(keyName, callerPubkey, aclstore.MethodEncrypt, "", ""); err != nil {
		return nil, rpckit.New(rpckit.Internal, "granting encrypt: %s", err.Error())
	}
	if err := a.acl.Grant(keyName, callerPubkey, aclstore.MethodDecrypt, "", ""); err != nil {
		return nil, rpckit.New(rpckit.Internal, "granting decrypt: %s", err.Error())
	}

	_ = email // accepted for forward compatibility with a welcome-email collaborator; not yet wired to one
	return result, nil
}

func randomUsername() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "user" + hex.EncodeToString(buf), nil
}

func (a *AdminPlane) loadConfig() (configstore.Document, error) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	return configstore.Get(a.configPath)
}

// persistConfigOrExit writes doc to configPath and terminates the process
// on failure, per spec.md §7 ("the config-file writer exits the process
// on write failure — configuration loss is considered unrecoverable").
// Request handlers run off an RPC goroutine with no path back to
// main.go's fatalf propagation, so they exit directly here instead of
// downgrading to a soft RPC error. Callers must hold a.configMu.
func (a *AdminPlane) persistConfigOrExit(doc configstore.Document) {
	if err := configstore.Put(a.configPath, doc); err != nil {
		a.logger.Error("adminplane: persisting config failed, exiting", "error", err)
		os.Exit(1)
	}
}

func (a *AdminPlane) sendRequest(ctx context.Context, recipientPub string, req rpckit.Request) error {
	plaintext, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return a.sendRaw(ctx, recipientPub, plaintext)
}

func (a *AdminPlane) sendRaw(ctx context.Context, recipientPub string, plaintext []byte) error {
	ciphertext, err := a.signer.Encrypt(recipientPub, plaintext)
	if err != nil {
		return fmt.Errorf("adminplane: encrypting: %w", err)
	}
	return a.node.Publish(ctx, relay.Envelope{
		ID:        uuid.NewString(),
		SenderPub: a.signer.PublicKey(),
		Recipient: recipientPub,
		Payload:   ciphertext,
	})
}

func (a *AdminPlane) respond(ctx context.Context, recipientPub string, resp rpckit.Response) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("adminplane: marshaling response failed", "error", err)
		return
	}
	if err := a.sendRaw(ctx, recipientPub, plaintext); err != nil {
		a.logger.Error("adminplane: sending response failed", "error", err)
	}
}
