package transport

import (
	"context"
	"errors"
	"testing"

	"casunet/internal/io"
)

var _ io.Messenger = (*Endpoint)(nil)
var _ io.Messenger = (*Client)(nil)

func TestBusDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(0)
	a := bus.Endpoint("casu-001")
	b := bus.Endpoint("casu-002")
	if bus.Endpoint("casu-001") != a {
		t.Fatal("expected endpoint reused for the same id")
	}

	for _, payload := range []string{"0.100", "0.200"} {
		if err := a.Send(ctx, b.ID(), payload); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, want := range []string{"0.100", "0.200"} {
		msg, ok, err := b.TryReceive(ctx)
		if err != nil || !ok {
			t.Fatalf("receive: ok=%v err=%v", ok, err)
		}
		if msg.Sender != "casu-001" || msg.Payload != want {
			t.Fatalf("unexpected message: %+v", msg)
		}
	}
	if _, ok, err := b.TryReceive(ctx); ok || err != nil {
		t.Fatalf("expected empty inbox, ok=%v err=%v", ok, err)
	}
}

func TestBusDropsUnknownAndOverflow(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(1)
	a := bus.Endpoint("casu-001")
	bus.Endpoint("casu-002")

	_ = a.Send(ctx, "casu-404", "0.5")
	_ = a.Send(ctx, "casu-002", "0.1")
	_ = a.Send(ctx, "casu-002", "0.2")
	if got := bus.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped, got %d", got)
	}
}

func TestClosedEndpointDrainsThenErrors(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(4)
	a := bus.Endpoint("casu-001")
	b := bus.Endpoint("casu-002")
	_ = a.Send(ctx, b.ID(), "0.3")
	_ = b.Close()
	_ = a.Send(ctx, b.ID(), "0.4")

	msg, ok, err := b.TryReceive(ctx)
	if err != nil || !ok || msg.Payload != "0.3" {
		t.Fatalf("expected queued message after close, got %+v ok=%v err=%v", msg, ok, err)
	}
	if _, _, err := b.TryReceive(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected send to closed endpoint dropped, got %d", bus.Dropped())
	}
}

func TestEndpointHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ep := NewBus(0).Endpoint("casu-001")
	if err := ep.Send(ctx, "casu-002", "1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, _, err := ep.TryReceive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBusPortReceivesForEveryAlias(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(0)
	port := bus.Port("casu-001", "casu-002")
	cats := bus.Endpoint("cats")

	_ = cats.Send(ctx, "casu-002", "casu-002:CW")
	_ = cats.Send(ctx, "casu-001", "casu-001:CCW")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env, ok, err := port.ReceiveEnvelope(ctx)
		if err != nil || !ok {
			t.Fatalf("receive %d: ok=%v err=%v", i, ok, err)
		}
		if env.From != "cats" {
			t.Fatalf("unexpected sender: %+v", env)
		}
		seen[string(env.To)] = true
	}
	if !seen["casu-001"] || !seen["casu-002"] {
		t.Fatalf("expected both aliases, got %v", seen)
	}

	if err := port.Deliver(ctx, Envelope{From: "casu-031", To: "cats", Payload: "x"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msg, ok, _ := cats.TryReceive(ctx)
	if !ok || msg.Sender != "casu-031" {
		t.Fatalf("expected sender preserved, got %+v ok=%v", msg, ok)
	}
}
