package relay

import (
	"context"
	"sync"
)

// mockBackend is an in-process publish/subscribe bus, grounded on
// internal/waku/message_bus.go. It is the default transport and the only
// one exercised by tests.
type mockBackend struct {
	selfID string
}

func newMockBackend() *mockBackend { return &mockBackend{} }

func (b *mockBackend) Start(_ context.Context, _ Config) error { return nil }
func (b *mockBackend) Stop() {
	if b.selfID != "" {
		globalBus.unsubscribe(b.selfID)
	}
}
func (b *mockBackend) PeerCount() int                    { return 1 }
func (b *mockBackend) NetworkMetrics() map[string]int    { return map[string]int{} }
func (b *mockBackend) ApplyConfig(_ Config)              {}
func (b *mockBackend) SetIdentity(selfID string)         { b.selfID = selfID }
func (b *mockBackend) ListenAddresses() []string         { return nil }

func (b *mockBackend) Subscribe(handler func(Envelope)) error {
	globalBus.subscribe(b.selfID, handler)
	return nil
}

func (b *mockBackend) Publish(_ context.Context, env Envelope) error {
	globalBus.publish(env)
	return nil
}

type messageBus struct {
	mu          sync.Mutex
	subscribers map[string]func(Envelope)
	mailbox     map[string][]Envelope
}

var globalBus = &messageBus{
	subscribers: make(map[string]func(Envelope)),
	mailbox:     make(map[string][]Envelope),
}

func (bus *messageBus) publish(env Envelope) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if handler, ok := bus.subscribers[env.Recipient]; ok {
		go handler(env)
		return
	}
	bus.mailbox[env.Recipient] = append(bus.mailbox[env.Recipient], env)
}

func (bus *messageBus) subscribe(recipient string, handler func(Envelope)) {
	bus.mu.Lock()
	bus.subscribers[recipient] = handler
	pending := append([]Envelope(nil), bus.mailbox[recipient]...)
	delete(bus.mailbox, recipient)
	bus.mu.Unlock()

	for _, env := range pending {
		handler(env)
	}
}

func (bus *messageBus) unsubscribe(recipient string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.subscribers, recipient)
}
