package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"pushgate/internal/routing"
	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// directRouter routes every message straight to its explicit recipient.
type directRouter struct {
	mu      sync.Mutex
	results []bool
}

func (r *directRouter) Decide(msg transport.Message) (routing.Decision, error) {
	if msg.Recipient == "" {
		return routing.Decision{}, routing.ErrNoCandidateTargets
	}
	return routing.Decision{
		Targets: []routing.Target{{
			Kind:        transport.TargetRecipient,
			ID:          msg.Recipient,
			Destination: msg.Destination,
		}},
		StrategyUsed: "default",
	}, nil
}

func (r *directRouter) ReportResult(_ routing.Decision, ok bool, _ time.Duration) {
	r.mu.Lock()
	r.results = append(r.results, ok)
	r.mu.Unlock()
}

func startSender(t *testing.T, pub transport.Publisher, tr *Tracker) *Sender {
	t.Helper()
	s := NewSender(SenderConfig{Workers: 2, QueueSize: 64, RatePerSec: 1000}, pub, &directRouter{}, tr, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

func TestSendDeliversAndTracks(t *testing.T) {
	t.Parallel()

	lb := transport.NewLoopback()
	tr := testTracker(t, DefaultPolicy())
	s := startSender(t, lb, tr)

	res, err := s.Send(context.Background(), transport.Message{
		Kind: "cmd", Recipient: "c1", Destination: "q1", RequiresAck: true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("Send must assign a message ID")
	}
	if !res.Tracked {
		t.Fatal("ack-required message must be tracked")
	}

	waitFor(t, time.Second, func() bool { return len(lb.Inbox("c1")) == 1 })
	if got := lb.Inbox("c1")[0]; got.ID != res.MessageID {
		t.Fatalf("delivered %q, want %q", got.ID, res.MessageID)
	}
	if !tr.Pending(res.MessageID) {
		t.Fatal("delivery should await ack")
	}
	if !tr.Acknowledge(res.MessageID, "c1") {
		t.Fatal("ack failed")
	}
}

func TestSendWithoutAckIsNotTracked(t *testing.T) {
	t.Parallel()

	lb := transport.NewLoopback()
	tr := testTracker(t, DefaultPolicy())
	s := startSender(t, lb, tr)

	res, err := s.Send(context.Background(), transport.Message{Kind: "note", Recipient: "c2"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Tracked {
		t.Fatal("fire-and-forget message must not be tracked")
	}
	waitFor(t, time.Second, func() bool { return len(lb.Inbox("c2")) == 1 })
	if tr.Stats().Sent != 0 {
		t.Fatal("tracker should not have seen the message")
	}
}

func TestTransportFailureFeedsRetryUntilAbandoned(t *testing.T) {
	t.Parallel()

	lb := transport.NewLoopback()
	lb.FailRecipient("dead", -1)
	tr := testTracker(t, RetryPolicy{
		MaxRetries: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond,
		BackoffMultiplier: 2, AckTimeout: time.Second, RetryOnTimeout: true,
	})
	s := startSender(t, lb, tr)

	res, err := s.Send(context.Background(), transport.Message{Kind: "cmd", Recipient: "dead", RequiresAck: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return !tr.Pending(res.MessageID) })
	st := tr.Stats()
	if st.Failed != 1 {
		t.Fatalf("failed = %d, want 1", st.Failed)
	}
	if st.Retries != 2 {
		t.Fatalf("retries = %d, want 2", st.Retries)
	}
	if len(lb.Inbox("dead")) != 0 {
		t.Fatal("nothing should have been delivered")
	}
}

func TestTransportRecoversMidRetry(t *testing.T) {
	t.Parallel()

	lb := transport.NewLoopback()
	lb.FailRecipient("flaky", 1) // first send fails, retry succeeds
	tr := testTracker(t, RetryPolicy{
		MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond,
		BackoffMultiplier: 2, AckTimeout: 5 * time.Second, RetryOnTimeout: true,
	})
	s := startSender(t, lb, tr)

	res, err := s.Send(context.Background(), transport.Message{Kind: "cmd", Recipient: "flaky", RequiresAck: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(lb.Inbox("flaky")) == 1 })
	if !tr.Acknowledge(res.MessageID, "flaky") {
		t.Fatal("ack after recovered retry should succeed")
	}
	if s := tr.Stats(); s.Retries != 1 || s.Acked != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestSendOnStoppedSender(t *testing.T) {
	t.Parallel()

	s := NewSender(SenderConfig{}, transport.NewLoopback(), &directRouter{}, nil, logx.Nop())
	if _, err := s.Send(context.Background(), transport.Message{Recipient: "c1"}); err != ErrStopped {
		t.Fatalf("Send on stopped sender = %v, want ErrStopped", err)
	}
}

func TestSendToTopic(t *testing.T) {
	t.Parallel()

	lb := transport.NewLoopback()
	s := startSender(t, lb, nil)

	if err := s.SendToTopic(context.Background(), "", transport.Message{}); err != ErrEmptyTopic {
		t.Fatalf("empty topic = %v, want ErrEmptyTopic", err)
	}
	if err := s.SendToTopic(context.Background(), "news", transport.Message{Kind: "note"}); err != nil {
		t.Fatalf("SendToTopic: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(lb.Topic("news")) == 1 })
}
