package transport

import (
	"context"
	"testing"
)

func TestLoopbackDelivery(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	ctx := context.Background()

	if !lb.SendToRecipient(ctx, "c1", "q1", Message{ID: "m1"}) {
		t.Fatal("send should succeed")
	}
	if lb.SendToRecipient(ctx, "", "q1", Message{ID: "m2"}) {
		t.Fatal("empty recipient must fail")
	}
	if got := lb.Inbox("c1"); len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("inbox: %v", got)
	}

	if !lb.SendToTopic(ctx, "news", Message{ID: "m3"}) {
		t.Fatal("topic publish should succeed")
	}
	if got := lb.Topic("news"); len(got) != 1 || got[0].ID != "m3" {
		t.Fatalf("topic log: %v", got)
	}
}

func TestLoopbackFailureInjection(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	ctx := context.Background()

	lb.FailRecipient("c1", 2)
	if lb.SendToRecipient(ctx, "c1", "q", Message{}) || lb.SendToRecipient(ctx, "c1", "q", Message{}) {
		t.Fatal("first two sends must fail")
	}
	if !lb.SendToRecipient(ctx, "c1", "q", Message{ID: "ok"}) {
		t.Fatal("third send should pass")
	}

	lb.FailTopic("t", -1)
	for i := 0; i < 5; i++ {
		if lb.SendToTopic(ctx, "t", Message{}) {
			t.Fatal("forever-failing topic accepted a publish")
		}
	}
}

func TestLoopbackCancelledContext(t *testing.T) {
	t.Parallel()

	lb := NewLoopback()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if lb.SendToRecipient(ctx, "c1", "q", Message{}) {
		t.Fatal("cancelled context must fail the send")
	}
}
