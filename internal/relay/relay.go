// Package relay is the concrete implementation behind the "concrete relay
// transport" spec.md §1 names as an external collaborator: an encrypted,
// authenticated request/response channel keyed by recipient public key.
// It is grounded on internal/waku/node.go's Disconnected/Connecting/
// Connected/Degraded state machine, generalized from chat "private
// messages" to opaque RPC envelopes.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	TransportMock = "mock"
	TransportReal = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var runtimeStatusPollInterval = 1 * time.Second

// Envelope carries an opaque encrypted RPC payload between a sender and a
// recipient pubkey. Its decrypted plaintext is the {id, method, params}
// request / {id, result, error} response JSON from spec.md §6; relay
// itself never inspects the payload.
type Envelope struct {
	ID        string
	SenderPub string
	Recipient string
	Payload   []byte
}

// Config tunes the relay transport. Grounded on internal/waku/node.go's
// yaml-tagged Config, trimmed to the fields a signing bunker's admin/user
// channels actually need (the chat-specific bootstrap-manifest fields are
// dropped — see DESIGN.md).
type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

// Status reports the current transport state.
type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node is one relay connection. A bunker process runs one Node for the
// admin plane (subscribed to the admin pubkey's channel) and one per
// unlocked key for the user plane.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	handler func(Envelope)
	backend backend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

// backend is the transport-specific implementation Node delegates to:
// the in-process mock bus for tests and the real go-waku network for
// production (behind the real_relay build tag).
type backend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ApplyConfig(cfg Config)
	SetIdentity(selfID string)
	ListenAddresses() []string
	Subscribe(handler func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		MinPeers:            2,
		ReconnectInterval:   time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:    cfg,
		status: Status{State: StateDisconnected},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 || cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportReal {
		b := newRealBackend()
		if b == nil {
			n.setDisconnected()
			return errors.New("relay: go-waku backend is not available in this build")
		}
		if err := b.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.backend = b
		n.transitionStateLocked(StateConnected)
		n.status.PeerCount = b.PeerCount()
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	mock := newMockBackend()
	if err := mock.Start(ctx, n.cfg); err != nil {
		n.setDisconnected()
		return err
	}
	n.mu.Lock()
	n.backend = mock
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = mock.PeerCount()
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.backend != nil {
		n.backend.Stop()
		n.backend = nil
	}
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.backend != nil {
		s.PeerCount = n.backend.PeerCount()
	}
	return s
}

func (n *Node) SetIdentity(selfID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = selfID
	if n.backend != nil {
		n.backend.SetIdentity(selfID)
	}
}

func (n *Node) Subscribe(handler func(Envelope)) error {
	n.mu.Lock()
	n.handler = handler
	state := n.status.State
	selfID := n.selfID
	backend := n.backend
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return errors.New("relay: not connected")
	}
	if selfID == "" {
		return errors.New("relay: identity is not set")
	}
	if backend == nil {
		return errors.New("relay: not started")
	}
	return backend.Subscribe(handler)
}

func (n *Node) Publish(ctx context.Context, env Envelope) error {
	n.mu.RLock()
	state := n.status.State
	backend := n.backend
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return errors.New("relay: not connected")
	}
	if env.Recipient == "" {
		return errors.New("relay: recipient is required")
	}
	if backend == nil {
		return errors.New("relay: not started")
	}
	return backend.Publish(ctx, env)
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.backend == nil {
		return nil
	}
	return append([]string(nil), n.backend.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	backend := n.backend
	n.mu.RUnlock()
	out := map[string]int{"network_state_transitions": transitions}
	if backend != nil {
		for k, v := range backend.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()
		n.refreshRuntimeStatus()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	backend := n.backend
	n.mu.RUnlock()
	if backend == nil {
		return
	}
	peerCount := backend.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" || n.status.State == next {
		return
	}
	n.stateTransitions++
	n.status.State = next
}
