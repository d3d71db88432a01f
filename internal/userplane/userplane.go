// Package userplane implements spec.md §4.7: one relay channel per
// unlocked key, dispatching connect/sign_event/encrypt/decrypt/
// create_account/ping requests through the Authorization Engine before
// ever touching key material. Structured the same way as
// internal/adminplane's envelope decrypt/dispatch/encrypt-respond loop,
// generalized to run once per unlocked key rather than once for the
// whole process.
package userplane

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ardents-control-plane/signing-bunker/internal/authz"
	"github.com/ardents-control-plane/signing-bunker/internal/eventproto"
	"github.com/ardents-control-plane/signing-bunker/internal/relay"
	"github.com/ardents-control-plane/signing-bunker/internal/rpckit"
)

// AccountCreator is the narrow interface userplane borrows from
// adminplane so create_account can be served on a key's own channel
// without userplane holding a direct reference to adminplane's full
// type (the same mediator shape authz.AdminFanout uses, per spec.md §9).
type AccountCreator interface {
	CreateAccount(ctx context.Context, callerPubkey, username, domain, email string) (any, error)
}

// KeyChannel is one unlocked key's relay.Node plus the signer driving
// it, spec.md §4.7's "one subscribed channel per unlocked key."
type KeyChannel struct {
	KeyName string
	Node    *relay.Node
	Signer  eventproto.Signer
}

// Plane is spec.md §4.7's User RPC Plane: it fans out across every
// unlocked key's channel, permitting and dispatching each request.
type Plane struct {
	engine  *authz.Engine
	creator AccountCreator
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[string]*KeyChannel
}

// New builds a Plane. creator may be nil if account creation is not
// offered on the user plane.
func New(engine *authz.Engine, creator AccountCreator, logger *slog.Logger) *Plane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{engine: engine, creator: creator, logger: logger, channels: make(map[string]*KeyChannel)}
}

// AddKey subscribes node (already started, with signer's pubkey set as
// its identity) as the channel for keyName and begins handling requests
// addressed to it.
func (p *Plane) AddKey(keyName string, node *relay.Node, signer eventproto.Signer) error {
	ch := &KeyChannel{KeyName: keyName, Node: node, Signer: signer}
	if err := node.Subscribe(func(env relay.Envelope) { p.handleEnvelope(ch, env) }); err != nil {
		return fmt.Errorf("userplane: subscribing channel for %s: %w", keyName, err)
	}
	p.mu.Lock()
	p.channels[keyName] = ch
	p.mu.Unlock()
	return nil
}

// RemoveKey drops the channel for keyName, e.g. after the key is locked.
func (p *Plane) RemoveKey(keyName string) {
	p.mu.Lock()
	delete(p.channels, keyName)
	p.mu.Unlock()
}

func (p *Plane) handleEnvelope(ch *KeyChannel, env relay.Envelope) {
	plaintext, err := ch.Signer.Decrypt(env.SenderPub, env.Payload)
	if err != nil {
		p.logger.Error("userplane: decrypting envelope failed", "key_name", ch.KeyName, "error", err)
		return
	}
	var req rpckit.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		p.logger.Error("userplane: decoding request failed", "key_name", ch.KeyName, "error", err)
		return
	}

	started := time.Now()
	result, err := p.dispatch(context.Background(), ch, env.SenderPub, req)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		p.logger.Error("userplane: command failed", "key_name", ch.KeyName, "remote_pubkey", env.SenderPub, "method", req.Method, "request_id", req.ID, "latency_ms", latency, "error", err)
		p.respond(ch, env.SenderPub, rpckit.Fail(req.ID, err))
		return
	}
	p.logger.Info("userplane: command handled", "key_name", ch.KeyName, "remote_pubkey", env.SenderPub, "method", req.Method, "request_id", req.ID, "latency_ms", latency)
	p.respond(ch, env.SenderPub, rpckit.OK(req.ID, result))
}

func (p *Plane) dispatch(ctx context.Context, ch *KeyChannel, senderPub string, req rpckit.Request) (any, error) {
	arr, err := rpckit.ParamArray(req.Params)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case "connect":
		secret := rpckit.ParamStringOptional(arr, 0, "")
		return p.handleConnect(ctx, ch, senderPub, req.ID, secret)
	case "sign_event":
		return p.handleSignEvent(ctx, ch, senderPub, req.ID, arr)
	case "encrypt":
		return p.handleCrypt(ctx, ch, senderPub, req.ID, arr, true)
	case "decrypt":
		return p.handleCrypt(ctx, ch, senderPub, req.ID, arr, false)
	case "create_account":
		if p.creator == nil {
			return nil, rpckit.New(rpckit.BadRequest, "account creation is not offered on this channel")
		}
		username := rpckit.ParamStringOptional(arr, 0, "")
		domain := rpckit.ParamStringOptional(arr, 1, "")
		email := rpckit.ParamStringOptional(arr, 2, "")
		paramsJSON, err := authz.SerializeParams("create_account", []string{username, domain, email})
		if err != nil {
			return nil, rpckit.New(rpckit.Internal, "serializing params: %s", err.Error())
		}
		if err := p.permit(ctx, ch, senderPub, req.ID, "create_account", paramsJSON, nil); err != nil {
			return nil, err
		}
		return p.creator.CreateAccount(ctx, senderPub, username, domain, email)
	case "ping":
		if err := p.permit(ctx, ch, senderPub, req.ID, "ping", "", nil); err != nil {
			return nil, err
		}
		return map[string]bool{"pong": true}, nil
	default:
		return nil, rpckit.New(rpckit.BadRequest, "unknown user method %q", req.Method)
	}
}

func (p *Plane) handleConnect(ctx context.Context, ch *KeyChannel, senderPub, reqID, secret string) (any, error) {
	if err := p.permit(ctx, ch, senderPub, reqID, "connect", secret, nil); err != nil {
		return nil, err
	}
	return map[string]string{"ack": ch.Signer.PublicKey()}, nil
}

func (p *Plane) handleSignEvent(ctx context.Context, ch *KeyChannel, senderPub, reqID string, arr []json.RawMessage) (any, error) {
	var event eventproto.Event
	if err := rpckit.ParamObject(arr, 0, &event); err != nil {
		return nil, err
	}
	paramsJSON, err := authz.SerializeParams("sign_event", event)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "serializing params: %s", err.Error())
	}
	kind := event.Kind
	if err := p.permit(ctx, ch, senderPub, reqID, "sign_event", paramsJSON, &kind); err != nil {
		return nil, err
	}
	signed, err := ch.Signer.Sign(event)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "signing event: %s", err.Error())
	}
	return signed, nil
}

func (p *Plane) handleCrypt(ctx context.Context, ch *KeyChannel, senderPub, reqID string, arr []json.RawMessage, encrypt bool) (any, error) {
	method := "decrypt"
	if encrypt {
		method = "encrypt"
	}
	peerPub, err := rpckit.ParamString(arr, 0)
	if err != nil {
		return nil, err
	}
	payload, err := rpckit.ParamString(arr, 1)
	if err != nil {
		return nil, err
	}
	paramsJSON, err := authz.SerializeParams(method, payload)
	if err != nil {
		return nil, rpckit.New(rpckit.Internal, "serializing params: %s", err.Error())
	}
	if err := p.permit(ctx, ch, senderPub, reqID, method, paramsJSON, nil); err != nil {
		return nil, err
	}
	if encrypt {
		ciphertext, err := ch.Signer.Encrypt(peerPub, []byte(payload))
		if err != nil {
			return nil, rpckit.New(rpckit.Internal, "encrypting: %s", err.Error())
		}
		return map[string]string{"ciphertext": fmt.Sprintf("%x", ciphertext)}, nil
	}
	raw, err := hex.DecodeString(payload)
	if err != nil {
		return nil, rpckit.New(rpckit.BadRequest, "ciphertext must be hex-encoded: %s", err.Error())
	}
	plaintext, err := ch.Signer.Decrypt(peerPub, raw)
	if err != nil {
		return nil, rpckit.New(rpckit.BadPassphraseOrCorrupt, "decrypting: %s", err.Error())
	}
	return map[string]string{"plaintext": string(plaintext)}, nil
}

// permit runs req through the Authorization Engine and converts every
// non-Approved outcome into the matching wire error, per spec.md §4.7
// ("every operation is routed through Permit before execution").
func (p *Plane) permit(ctx context.Context, ch *KeyChannel, senderPub, reqID, method, paramsJSON string, eventKind *int) error {
	result, err := p.engine.Permit(ctx, authz.Request{
		KeyName:      ch.KeyName,
		RemotePubkey: senderPub,
		Method:       method,
		EventKind:    eventKind,
		ParamsJSON:   paramsJSON,
	}, func(url string) {
		p.logger.Info("userplane: awaiting out-of-band approval", "key_name", ch.KeyName, "method", method, "auth_url", url)
		p.respond(ch, senderPub, rpckit.Response{ID: reqID, Result: map[string]string{"auth_url": url}})
	})
	if err != nil {
		return err
	}
	switch result.Outcome {
	case authz.Approved:
		return nil
	case authz.Denied:
		return rpckit.New(rpckit.Denied, "request denied for method %q", method)
	default:
		return rpckit.New(rpckit.TimedOut, "no approval received for method %q", method)
	}
}

func (p *Plane) respond(ch *KeyChannel, recipientPub string, resp rpckit.Response) {
	plaintext, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error("userplane: marshaling response failed", "error", err)
		return
	}
	ciphertext, err := ch.Signer.Encrypt(recipientPub, plaintext)
	if err != nil {
		p.logger.Error("userplane: encrypting response failed", "error", err)
		return
	}
	if err := ch.Node.Publish(context.Background(), relay.Envelope{
		ID:        uuid.NewString(),
		SenderPub: ch.Signer.PublicKey(),
		Recipient: recipientPub,
		Payload:   ciphertext,
	}); err != nil {
		p.logger.Error("userplane: publishing response failed", "error", err)
	}
}
