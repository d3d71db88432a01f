//go:build real_relay

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wakurelay "github.com/waku-org/go-waku/waku/v2/protocol/relay"
)

const (
	rpcPubsubTopic  = "/waku/2/default-waku/proto"
	rpcContentTopic = "/signing-bunker/1/rpc-envelope/proto"
)

// goWakuBackend is the production relay backend: a real libp2p/waku node
// carrying encrypted RPC envelopes over a dedicated content topic,
// adapted from internal/waku/gowaku_enabled.go. The store-backed
// FetchSince query the teacher's chat transport needed for offline replay
// is dropped here — the bunker's resumption story runs through the
// Request Ledger's polling, not relay-level history (see DESIGN.md).
type goWakuBackend struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	cfg            Config
	bootstrapNodes []string
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	metrics        dialMetrics
}

type dialMetrics struct {
	DialAttempts int
	DialSuccess  int
	DialFailures int
}

func newRealBackend() backend { return &goWakuBackend{} }

func (g *goWakuBackend) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	node, err := wakuNode.New(wakuNode.WithHostAddress(hostAddr), wakuNode.WithWakuRelay())
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	validated := make([]string, 0, len(cfg.BootstrapNodes))
	for _, addr := range cfg.BootstrapNodes {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("relay: skipping malformed bootstrap multiaddr", "addr", addr, "reason", err.Error())
			continue
		}
		validated = append(validated, addr)
		_ = node.DialPeer(ctx, addr)
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = validated
	g.mu.Unlock()

	g.startPeerMaintenance()
	return nil
}

func (g *goWakuBackend) Stop() {
	g.stopPeerMaintenance()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuBackend) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuBackend) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts": g.metrics.DialAttempts,
		"dial_success":  g.metrics.DialSuccess,
		"dial_failures": g.metrics.DialFailures,
	}
}

func (g *goWakuBackend) ApplyConfig(cfg Config) {
	g.mu.Lock()
	g.cfg.MinPeers = cfg.MinPeers
	g.cfg.ReconnectInterval = cfg.ReconnectInterval
	g.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	g.mu.Unlock()
	g.startPeerMaintenance()
}

func (g *goWakuBackend) SetIdentity(selfID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = selfID
}

func (g *goWakuBackend) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

func (g *goWakuBackend) Subscribe(handler func(Envelope)) error {
	g.mu.Lock()
	node := g.node
	selfID := g.selfID
	g.mu.Unlock()
	if node == nil {
		return errors.New("relay: go-waku node is nil")
	}
	if selfID == "" {
		return errors.New("relay: identity is not set")
	}

	filter := protocol.NewContentFilter(rpcPubsubTopic, rpcContentTopic)
	subs, err := node.Relay().Subscribe(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		go func(subscription *wakurelay.Subscription) {
			for env := range subscription.Ch {
				if env == nil || env.Message() == nil {
					continue
				}
				var msg Envelope
				if err := json.Unmarshal(env.Message().Payload, &msg); err != nil {
					continue
				}
				if msg.Recipient != selfID {
					continue
				}
				handler(msg)
			}
		}(sub)
	}
	return nil
}

func (g *goWakuBackend) Publish(ctx context.Context, env Envelope) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errors.New("relay: go-waku node is nil")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{Payload: payload, ContentTopic: rpcContentTopic, Timestamp: &ts}
	_, err = node.Relay().Publish(ctx, wm, wakurelay.WithPubSubTopic(rpcPubsubTopic))
	return err
}

func (g *goWakuBackend) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.maintainCancel = nil
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if g.needMorePeers() {
					g.redialBootstrapPeers(ctx, rnd)
				}
			}
		}
	}()
}

func (g *goWakuBackend) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuBackend) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	target := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = 1
	}
	return node.PeerCount() < target
}

func (g *goWakuBackend) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) {
	g.mu.RLock()
	node := g.node
	peers := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(peers) == 0 {
		return
	}
	rnd.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	for _, addr := range peers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		g.mu.Lock()
		g.metrics.DialAttempts++
		g.mu.Unlock()
		if err := node.DialPeer(ctx, addr); err != nil {
			g.mu.Lock()
			g.metrics.DialFailures++
			g.mu.Unlock()
			continue
		}
		g.mu.Lock()
		g.metrics.DialSuccess++
		g.mu.Unlock()
	}
}
