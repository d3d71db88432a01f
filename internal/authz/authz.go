// Package authz implements spec.md §4.5: the Authorization Engine that
// mediates every user-plane operation through the ACL Store, and on a
// miss drives one of the two approval paths (direct admin fan-out or web
// poll). It is the mediator value spec.md §9 calls for so the engine and
// the admin plane can call into each other without a direct reference
// cycle: the engine only knows the narrow AdminFanout interface. The user
// plane's create_account goes through Permit; the admin plane's own
// create_account handler calls CreateAccount directly for the senders it
// admits and holds no reference to the engine.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ardents-control-plane/signing-bunker/internal/aclstore"
	"github.com/ardents-control-plane/signing-bunker/internal/ledger"
	"github.com/ardents-control-plane/signing-bunker/internal/rpckit"
)

// AdminTimeout is the 10s window spec.md §4.5 step 6 allows for an admin
// fan-out response before resolving TimedOut.
const AdminTimeout = 10 * time.Second

// WebPollInterval is the 100ms interval spec.md §4.5 step 4 polls the
// ledger at during the web-approval path.
const WebPollInterval = 100 * time.Millisecond

// Outcome is the three-valued result of Permit, spec.md §4.5.
type Outcome int

const (
	Approved Outcome = iota
	Denied
	TimedOut
)

// AdminResponseKind is one of the three admin reply shapes spec.md §4.5
// step 5 enumerates.
type AdminResponseKind string

const (
	AdminAlways AdminResponseKind = "always"
	AdminNever  AdminResponseKind = "never"
	AdminOnce   AdminResponseKind = "once"
)

// AdminResponse is a single admin's reply to an "acl" fan-out request.
type AdminResponse struct {
	Kind        AdminResponseKind
	Description string
	Scope       string
}

// AdminFanout is the narrow interface the engine borrows from the admin
// plane to avoid holding a direct back-reference to it (spec.md §9,
// "Cyclic reference between Admin Plane and Authorization Engine").
// FanOutACL sends a parallel "acl" request to every configured admin and
// returns the first response; it must respect ctx's deadline and return
// ctx.Err() once no admin has answered in time.
type AdminFanout interface {
	FanOutACL(ctx context.Context, keyName, remotePubkey, method, paramsJSON, description string) (AdminResponse, error)
}

// Request is the input to Permit, spec.md §4.5 "permit(key, remotePubkey,
// method, params)".
type Request struct {
	KeyName      string
	RemotePubkey string
	Method       string
	EventKind    *int // only meaningful for method == sign_event
	ParamsJSON   string
	Description  string // KeyUser description, if already known
}

// Result carries Permit's outcome plus, whenever Permit went through an
// approval path (web or admin, whatever the outcome), the ledger row it
// resolved through (used by callers that need to log or inspect the
// approval path taken). Row is nil when the ACL decided directly.
type Result struct {
	Outcome Outcome
	Row     *ledger.Row
}

// Engine is spec.md §4.5's Authorization Engine.
type Engine struct {
	acl     *aclstore.Store
	ledger  *ledger.Ledger
	admins  AdminFanout
	baseURL string
}

// New builds an Engine. baseURL may be empty, in which case Permit always
// takes the direct-admin path.
func New(acl *aclstore.Store, led *ledger.Ledger, admins AdminFanout, baseURL string) *Engine {
	return &Engine{acl: acl, ledger: led, admins: admins, baseURL: baseURL}
}

// notifyAuthURL, when non-nil, is invoked synchronously with the
// out-of-band auth_url the caller should surface to the remote user
// before Permit blocks on the web-poll path.
func (e *Engine) Permit(ctx context.Context, req Request, notifyAuthURL func(url string)) (Result, error) {
	decision, err := e.acl.Lookup(req.KeyName, req.RemotePubkey, req.Method, req.EventKind)
	if err != nil {
		return Result{}, rpckit.New(rpckit.Internal, "acl lookup failed: %s", err.Error())
	}
	switch decision {
	case aclstore.Allow:
		return Result{Outcome: Approved}, nil
	case aclstore.Deny:
		return Result{Outcome: Denied}, nil
	}

	row := e.ledger.Open(req.KeyName, "", req.RemotePubkey, req.Method, req.ParamsJSON)

	if e.baseURL != "" {
		return e.awaitWebApproval(ctx, req, row, notifyAuthURL)
	}
	return e.awaitAdminApproval(ctx, req, row)
}

func (e *Engine) awaitWebApproval(ctx context.Context, req Request, row ledger.Row, notifyAuthURL func(url string)) (Result, error) {
	url := fmt.Sprintf("%s/requests/%s", e.baseURL, row.ID)
	if notifyAuthURL != nil {
		notifyAuthURL(url)
	}

	settled, err := e.ledger.PollUntilSettled(ctx, row.ID, WebPollInterval)
	if err != nil {
		return Result{Outcome: TimedOut, Row: &row}, nil
	}
	return e.resolveSettledRow(req, settled)
}

func (e *Engine) awaitAdminApproval(ctx context.Context, req Request, row ledger.Row) (Result, error) {
	fanoutCtx, cancel := context.WithTimeout(ctx, AdminTimeout)
	defer cancel()

	resp, err := e.admins.FanOutACL(fanoutCtx, req.KeyName, req.RemotePubkey, req.Method, req.ParamsJSON, req.Description)
	if err != nil {
		_ = e.ledger.Settle(row.ID, false, nil)
		return Result{Outcome: TimedOut, Row: &row}, nil
	}

	switch resp.Kind {
	case AdminAlways:
		scope := resp.Scope
		if req.Method == aclstore.MethodSignEvent && scope == "" {
			if req.EventKind != nil {
				scope = fmt.Sprintf("%d", *req.EventKind)
			} else {
				scope = aclstore.ScopeAll
			}
		}
		if err := e.acl.Grant(req.KeyName, req.RemotePubkey, req.Method, resp.Description, scope); err != nil {
			return Result{}, rpckit.New(rpckit.Internal, "persisting grant failed: %s", err.Error())
		}
		// A "connect" always-grant also installs sign_event(all) as a
		// convenience (spec.md §8 scenario 5).
		if req.Method == aclstore.MethodConnect {
			if err := e.acl.Grant(req.KeyName, req.RemotePubkey, aclstore.MethodSignEvent, resp.Description, aclstore.ScopeAll); err != nil {
				return Result{}, rpckit.New(rpckit.Internal, "persisting convenience grant failed: %s", err.Error())
			}
		}
		_ = e.ledger.Settle(row.ID, true, nil)
		return e.recheckAfterResolution(req, row)
	case AdminNever:
		if err := e.acl.Deny(req.KeyName, req.RemotePubkey); err != nil {
			return Result{}, rpckit.New(rpckit.Internal, "persisting deny failed: %s", err.Error())
		}
		_ = e.ledger.Settle(row.ID, false, nil)
		return Result{Outcome: Denied, Row: &row}, nil
	default:
		_ = e.ledger.Settle(row.ID, true, nil)
		return Result{Outcome: Approved, Row: &row}, nil
	}
}

// recheckAfterResolution re-runs the ACL lookup after an "always" grant
// lands, rather than trusting the in-memory decision directly. spec.md
// §9 "Duplicate/race on concurrent approval": a racing duplicate request
// that lost the admin race must still observe the just-committed grant
// when it resumes, so every resumption approved through an admin "always"
// reply or a web approval settled allowed — winner included — re-checks
// the ACL Store instead of assuming its own write is the only one that
// landed. Timeouts, "never" replies, web denials and one-shot admin
// replies return without a re-check.
func (e *Engine) recheckAfterResolution(req Request, row ledger.Row) (Result, error) {
	decision, err := e.acl.Lookup(req.KeyName, req.RemotePubkey, req.Method, req.EventKind)
	if err != nil {
		return Result{}, rpckit.New(rpckit.Internal, "post-approval acl recheck failed: %s", err.Error())
	}
	if decision == aclstore.Deny {
		return Result{Outcome: Denied, Row: &row}, nil
	}
	return Result{Outcome: Approved, Row: &row}, nil
}

func (e *Engine) resolveSettledRow(req Request, row ledger.Row) (Result, error) {
	if row.Allowed == nil {
		return Result{Outcome: TimedOut, Row: &row}, nil
	}
	if !*row.Allowed {
		return Result{Outcome: Denied, Row: &row}, nil
	}
	return e.recheckAfterResolution(req, row)
}

// ResolveWebApproval is the production counterpart to a human approver
// hitting baseUrl + "/requests/" + rowID (spec.md §4.5 step 4): it grants
// or denies the pending row the same way an admin's "always"/"never"
// fan-out reply would, then settles the ledger row so the Permit call
// still polling it resumes. Called from the HTTP handler that serves
// that URL, never from Permit itself.
func (e *Engine) ResolveWebApproval(rowID string, allow bool, description string) error {
	row, ok := e.ledger.Find(rowID)
	if !ok {
		return ledger.ErrNotFound
	}
	if !row.Pending() {
		return ledger.ErrAlreadySettled
	}

	if !allow {
		if err := e.acl.Deny(row.KeyName, row.RemotePubkey); err != nil {
			return fmt.Errorf("authz: persisting deny failed: %w", err)
		}
		return e.ledger.Settle(row.ID, false, nil)
	}

	if err := e.acl.Grant(row.KeyName, row.RemotePubkey, row.Method, description, scopeForRow(row)); err != nil {
		return fmt.Errorf("authz: persisting grant failed: %w", err)
	}
	// A "connect" approval also installs sign_event(all) as a
	// convenience (spec.md §8 scenario 5), matching awaitAdminApproval.
	if row.Method == aclstore.MethodConnect {
		if err := e.acl.Grant(row.KeyName, row.RemotePubkey, aclstore.MethodSignEvent, description, aclstore.ScopeAll); err != nil {
			return fmt.Errorf("authz: persisting convenience grant failed: %w", err)
		}
	}
	return e.ledger.Settle(row.ID, true, nil)
}

func scopeForRow(row ledger.Row) string {
	if row.Method != aclstore.MethodSignEvent {
		return ""
	}
	var event struct {
		Kind int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(row.Params), &event); err != nil {
		return aclstore.ScopeAll
	}
	return fmt.Sprintf("%d", event.Kind)
}

// SerializeParams is the canonical JSON-or-string serialization spec.md
// §9's Open Question resolves as "always serialize as JSON for
// sign_event": for sign_event the full event payload is marshaled; every
// other method's params are passed through as their string form.
func SerializeParams(method string, v any) (string, error) {
	if method == aclstore.MethodSignEvent {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("authz: marshaling sign_event params: %w", err)
		}
		return string(raw), nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("authz: marshaling params: %w", err)
	}
	return string(raw), nil
}
