// Package bunker is the composition root: it wires the Key Store,
// Config Store, ACL Store, Request Ledger, Authorization Engine, Admin
// and User RPC Planes and the Liveness Monitor into one running
// process, the way internal/composition/daemonserver wires the
// teacher's daemon service and RPC transport.
package bunker

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/ardents-control-plane/signing-bunker/internal/aclstore"
	"github.com/ardents-control-plane/signing-bunker/internal/adminplane"
	"github.com/ardents-control-plane/signing-bunker/internal/approvalweb"
	"github.com/ardents-control-plane/signing-bunker/internal/authz"
	"github.com/ardents-control-plane/signing-bunker/internal/configstore"
	"github.com/ardents-control-plane/signing-bunker/internal/eventproto"
	"github.com/ardents-control-plane/signing-bunker/internal/keystore"
	"github.com/ardents-control-plane/signing-bunker/internal/ledger"
	"github.com/ardents-control-plane/signing-bunker/internal/liveness"
	"github.com/ardents-control-plane/signing-bunker/internal/platform/netmetrics"
	"github.com/ardents-control-plane/signing-bunker/internal/relay"
	"github.com/ardents-control-plane/signing-bunker/internal/userplane"
	"github.com/ardents-control-plane/signing-bunker/internal/walletclient"
)

// Paths groups the on-disk locations Bunker operates against, the
// spec.md §6 "Persisted layout": a JSON config document and a SQLite
// ACL database next to it.
type Paths struct {
	ConfigPath string
	ACLPath    string
}

// Bunker owns every long-lived component and the process-wide config
// mutex spec.md §5 requires ("writers must serialize").
type Bunker struct {
	paths    Paths
	configMu sync.Mutex
	logger   *slog.Logger

	acl        *aclstore.Store
	keys       *keystore.Store
	ledger     *ledger.Ledger
	engine     *authz.Engine
	adminNode  *relay.Node
	adminPlane *adminplane.AdminPlane
	userPlane  *userplane.Plane
	live       *liveness.Monitor
	metrics    *netmetrics.Exporter
}

func validateEd25519Seed(plaintext []byte) bool { return len(plaintext) > 0 }

// Open opens the ACL Store and builds an empty, not-yet-started Bunker.
func Open(paths Paths, logger *slog.Logger) (*Bunker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	acl, err := aclstore.Open(paths.ACLPath)
	if err != nil {
		return nil, fmt.Errorf("bunker: opening acl store: %w", err)
	}
	return &Bunker{
		paths:  paths,
		logger: logger,
		acl:    acl,
		keys:   keystore.NewStore(validateEd25519Seed),
		ledger: ledger.New(),
	}, nil
}

// Close releases the ACL Store's database handle.
func (b *Bunker) Close() error { return b.acl.Close() }

// Setup implements the CLI's "setup" command: append adminPubkey to the
// config document's admin set, generating the document (and the
// bunker's own admin key) on first run if it does not yet exist.
func (b *Bunker) Setup(adminPubkey string) error {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	doc, err := configstore.Get(b.paths.ConfigPath)
	if err != nil {
		return fmt.Errorf("bunker: reading config: %w", err)
	}
	for _, existing := range doc.AdminPubkeys {
		if existing == adminPubkey {
			return nil
		}
	}
	doc.AdminPubkeys = append(doc.AdminPubkeys, adminPubkey)
	return configstore.Put(b.paths.ConfigPath, doc)
}

// AdminMnemonic renders the bunker's own generated admin private key as a
// BIP-39 mnemonic, so the operator running "setup" has a human-checkable
// offline backup of it instead of only the raw hex in config.json.
func (b *Bunker) AdminMnemonic() (string, error) {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	doc, err := configstore.Get(b.paths.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("bunker: reading config: %w", err)
	}
	seed, err := hex.DecodeString(doc.AdminPrivateKey)
	if err != nil {
		return "", fmt.Errorf("bunker: admin private key is not valid hex: %w", err)
	}
	return bip39.NewMnemonic(seed)
}

// AddKey implements the CLI's "add --name <n>" command: encrypt seed
// under passphrase and persist it to config under keyName. It runs
// before the daemon starts, so it talks to the Key/Config Store
// directly rather than through the admin RPC plane.
func (b *Bunker) AddKey(keyName, passphrase string, nsecHex string) error {
	if nsecHex == "" {
		return fmt.Errorf("bunker: nsec is required for add")
	}
	seed, err := hex.DecodeString(strings.TrimSpace(nsecHex))
	if err != nil {
		return fmt.Errorf("bunker: bad nsec: %w", err)
	}
	if _, err := eventproto.NewEd25519Signer(seed); err != nil {
		return fmt.Errorf("bunker: bad nsec: %w", err)
	}

	entry, err := keystore.Encrypt(seed, passphrase)
	if err != nil {
		return fmt.Errorf("bunker: encrypting key: %w", err)
	}

	b.configMu.Lock()
	defer b.configMu.Unlock()
	doc, err := configstore.Get(b.paths.ConfigPath)
	if err != nil {
		return fmt.Errorf("bunker: reading config: %w", err)
	}
	doc.Keys[keyName] = entry
	return configstore.Put(b.paths.ConfigPath, doc)
}

// StartOptions configures the CLI's "start" command.
type StartOptions struct {
	Verbose         bool
	AllowedKeys     []string // --key, repeatable
	ExtraAdmins     []string // --admin, repeatable, merged with ADMIN_NPUBS
	Wallet          walletclient.Client
	MetricsAddr     string // --metrics-addr; empty disables the /metrics server
	WebApprovalAddr string // --approval-addr; serves PublicBaseURL's /requests/{id} endpoint
}

// Start wires and launches every component: the admin relay channel,
// the Authorization Engine, the Admin and User RPC Planes, and the
// Liveness Monitor. It blocks until ctx is cancelled or the liveness
// watchdog exits the process.
func (b *Bunker) Start(ctx context.Context, opts StartOptions) error {
	b.configMu.Lock()
	doc, err := configstore.Get(b.paths.ConfigPath)
	if err != nil {
		b.configMu.Unlock()
		return fmt.Errorf("bunker: reading config: %w", err)
	}
	merged := mergeAdmins(doc.AdminPubkeys, opts.ExtraAdmins)
	doc.AdminPubkeys = merged
	if err := configstore.Put(b.paths.ConfigPath, doc); err != nil {
		b.configMu.Unlock()
		return fmt.Errorf("bunker: persisting merged admins: %w", err)
	}
	b.configMu.Unlock()

	adminSigner, err := adminSignerFromConfig(doc)
	if err != nil {
		return err
	}

	b.adminNode = relay.NewNode(relay.DefaultConfig())
	if err := b.adminNode.Start(ctx); err != nil {
		return fmt.Errorf("bunker: starting admin relay: %w", err)
	}

	b.adminPlane = adminplane.New(b.adminNode, adminSigner, b.paths.ConfigPath, &b.configMu, b.acl, b.keys, opts.Wallet, b.logger)
	b.adminPlane.SetAllowedKeys(opts.AllowedKeys)

	b.engine = authz.New(b.acl, b.ledger, b.adminPlane, doc.PublicBaseURL)
	b.userPlane = userplane.New(b.engine, accountCreatorAdapter{b.adminPlane}, b.logger)

	b.metrics = netmetrics.New()
	b.metrics.Track("admin", b.adminNode)
	if opts.MetricsAddr != "" {
		go func() {
			if err := b.metrics.Serve(ctx, opts.MetricsAddr); err != nil {
				b.logger.Error("bunker: metrics server stopped", "error", err)
			}
		}()
	}

	if doc.PublicBaseURL != "" {
		if opts.WebApprovalAddr == "" {
			return fmt.Errorf("bunker: public_base_url is configured but --approval-addr was not given")
		}
		approvalHandler := approvalweb.New(b.engine, b.logger)
		approvalServer := &http.Server{Addr: opts.WebApprovalAddr, Handler: approvalHandler.Mux()}
		go func() {
			if err := approvalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				b.logger.Error("bunker: web approval server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = approvalServer.Shutdown(shutdownCtx)
		}()
	}

	b.adminPlane.OnKeyUnlocked(func(keyName string, signer eventproto.Signer) {
		node := relay.NewNode(relay.DefaultConfig())
		if err := node.Start(ctx); err != nil {
			b.logger.Error("bunker: starting user channel failed", "key_name", keyName, "error", err)
			return
		}
		node.SetIdentity(signer.PublicKey())
		if err := b.userPlane.AddKey(keyName, node, signer); err != nil {
			b.logger.Error("bunker: subscribing user channel failed", "key_name", keyName, "error", err)
			return
		}
		b.metrics.Track(keyName, node)
	})

	b.live = liveness.New(b.adminPlane, b.logger, nil)
	b.adminPlane.OnSelfPing(b.live.Touch)

	if err := b.adminPlane.Start(ctx); err != nil {
		return fmt.Errorf("bunker: starting admin plane: %w", err)
	}
	b.live.Start(ctx)

	if opts.Verbose {
		b.logger.Info("bunker: started", "admin_pubkey", adminSigner.PublicKey())
	}

	<-ctx.Done()
	b.live.Stop()
	return b.adminNode.Stop(context.Background())
}

type accountCreatorAdapter struct {
	plane *adminplane.AdminPlane
}

func (a accountCreatorAdapter) CreateAccount(ctx context.Context, callerPubkey, username, domain, email string) (any, error) {
	return a.plane.CreateAccount(ctx, callerPubkey, username, domain, email)
}

func adminSignerFromConfig(doc configstore.Document) (*eventproto.Ed25519Signer, error) {
	seed, err := hex.DecodeString(doc.AdminPrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("bunker: config has no valid admin private key")
	}
	return eventproto.NewEd25519Signer(seed)
}

func mergeAdmins(configured, extra []string) []string {
	seen := make(map[string]bool, len(configured)+len(extra))
	out := make([]string, 0, len(configured)+len(extra))
	for _, pub := range configured {
		if pub != "" && !seen[pub] {
			seen[pub] = true
			out = append(out, pub)
		}
	}
	for _, pub := range extra {
		if pub != "" && !seen[pub] {
			seen[pub] = true
			out = append(out, pub)
		}
	}
	return out
}
