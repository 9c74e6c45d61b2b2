package memory

import (
	"context"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)
	unsubscribe, err := bus.Subscribe("workloads", ch)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "workloads", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != "hello" {
			t.Fatalf("unexpected payload: %v", got)
		}
	default:
		t.Fatal("expected payload on channel")
	}

	// other topics are not delivered
	if err := bus.Publish(context.Background(), "proxy.targets", "other"); err != nil {
		t.Fatalf("publish other topic: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected cross-topic delivery: %v", got)
	default:
	}

	unsubscribe()
	if err := bus.Publish(context.Background(), "workloads", "after"); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %v", got)
	default:
	}
}

func TestPublishSkipsFullSubscribers(t *testing.T) {
	bus := New()
	full := make(chan any) // unbuffered and never drained
	if _, err := bus.Subscribe("workloads", full); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	healthy := make(chan any, 1)
	if _, err := bus.Subscribe("workloads", healthy); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// must not block on the stuck subscriber
	if err := bus.Publish(context.Background(), "workloads", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-healthy:
	default:
		t.Fatal("healthy subscriber should still receive")
	}
}

func TestSubscribeNilChannel(t *testing.T) {
	bus := New()
	if _, err := bus.Subscribe("workloads", nil); err == nil {
		t.Fatal("expected error for nil channel")
	}
}
