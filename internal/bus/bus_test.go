package bus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryFanOut(t *testing.T) {
	b := NewInMemory(4)
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel2()

	if err := b.Publish(ctx, Notification{Type: TypeDuplicate, Code: "T1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, ch := range []<-chan Notification{ch1, ch2} {
		select {
		case n := <-ch:
			if n.Type != TypeDuplicate || n.Code != "T1" {
				t.Fatalf("subscriber %d got %+v", i, n)
			}
			if n.At.IsZero() {
				t.Fatalf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received", i)
		}
	}
}

func TestInMemoryCancelStopsDelivery(t *testing.T) {
	b := NewInMemory(4)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // idempotent

	if err := b.Publish(ctx, Notification{Type: TypeSyncResult}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("cancelled subscriber channel should be closed")
	}
}

func TestInMemoryFullSubscriberDropsOldest(t *testing.T) {
	b := NewInMemory(1)
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Nobody reads between publishes; the publisher must not block and the
	// subscriber should see the newest notification.
	if err := b.Publish(ctx, Notification{Type: TypeDuplicate, Code: "old"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, Notification{Type: TypeDuplicate, Code: "new"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case n := <-ch:
		if n.Code != "new" {
			t.Fatalf("got %q, want newest", n.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("nothing delivered")
	}
}
