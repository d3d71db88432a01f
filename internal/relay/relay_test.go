package relay

import (
	"context"
	"testing"
	"time"
)

func TestNodeLifecycleMock(t *testing.T) {
	n := NewNode(DefaultConfig())
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", got)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := n.Status().State; got != StateConnected {
		t.Fatalf("expected connected after start, got %s", got)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", got)
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	sender := NewNode(DefaultConfig())
	receiver := NewNode(DefaultConfig())
	ctx := context.Background()

	if err := sender.Start(ctx); err != nil {
		t.Fatalf("sender Start: %v", err)
	}
	defer sender.Stop(ctx)
	if err := receiver.Start(ctx); err != nil {
		t.Fatalf("receiver Start: %v", err)
	}
	defer receiver.Stop(ctx)

	receiver.SetIdentity("receiver-pub")
	sender.SetIdentity("sender-pub")

	received := make(chan Envelope, 1)
	if err := receiver.Subscribe(func(env Envelope) { received <- env }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	env := Envelope{ID: "req-1", SenderPub: "sender-pub", Recipient: "receiver-pub", Payload: []byte(`{"method":"ping"}`)}
	if err := sender.Publish(ctx, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != env.ID {
			t.Fatalf("expected envelope id %s, got %s", env.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for envelope delivery")
	}
}

func TestPublishRequiresRecipient(t *testing.T) {
	n := NewNode(DefaultConfig())
	ctx := context.Background()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(ctx)
	if err := n.Publish(ctx, Envelope{}); err == nil {
		t.Fatalf("expected an error when Recipient is empty")
	}
}
