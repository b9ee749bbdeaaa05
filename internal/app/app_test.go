package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pushgate/internal/ack"
	"pushgate/internal/aggregate"
	"pushgate/internal/transport"
)

const testConfig = `
logging:
  level: error
  console: false
delivery:
  workers: 2
  queue_size: 64
  rate_per_sec: 1000
  policies:
    cmd:
      max_retries: 2
      initial_delay: 20ms
      max_delay: 100ms
      backoff_multiplier: 2
      ack_timeout: 250ms
aggregation:
  push_interval: 1h
  quantity_step: 1000
sweeps:
  enabled: false
`

func newTestApp(t *testing.T) (*App, *transport.Loopback) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	lb := transport.NewLoopback()
	a, err := New(Options{ConfigPath: path, Publisher: lb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		a.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return a, lb
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEndToEndSendAndAck(t *testing.T) {
	t.Parallel()

	a, lb := newTestApp(t)

	res, err := a.Sender().Send(context.Background(), transport.Message{
		Kind: "cmd", Recipient: "client-1", RequiresAck: true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(lb.Inbox("client-1")) == 1 })

	a.AckHandler().ClientConnected("client-1")
	a.AckHandler().HandleFrame(ack.Frame{
		Kind: ack.FrameMessageAck, MessageID: res.MessageID, ClientID: "client-1",
	})

	if a.Tracker().Pending(res.MessageID) {
		t.Fatal("acked delivery still pending")
	}
	if s := a.Tracker().Stats(); s.Acked != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestEndToEndRetryOnMissingAck(t *testing.T) {
	t.Parallel()

	a, lb := newTestApp(t)

	res, err := a.Sender().Send(context.Background(), transport.Message{
		Kind: "cmd", Recipient: "silent", RequiresAck: true,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// No ack ever arrives: 1 initial send + 2 retries, then abandoned.
	waitFor(t, 5*time.Second, func() bool { return !a.Tracker().Pending(res.MessageID) })
	if got := len(lb.Inbox("silent")); got != 3 {
		t.Fatalf("transmissions = %d, want 3", got)
	}
	if s := a.Tracker().Stats(); s.Failed != 1 || s.Retries != 2 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestEndToEndBatchReporting(t *testing.T) {
	t.Parallel()

	a, lb := newTestApp(t)
	agg := a.Aggregator()

	agg.StartBatch("b1", 4, aggregate.BatchMeta{TaskID: "t1", UserID: "owner"})
	for i := 0; i < 4; i++ {
		agg.RecordDeviceResult("b1", aggregate.DeviceRecord{DeviceID: "d", Outcome: aggregate.OutcomeSuccess})
	}
	agg.SignalStatus("b1", aggregate.StatusCompleted, nil)

	topic := aggregate.BatchTopic("b1")
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range lb.Topic(topic) {
			if m.Subtype == aggregate.TierFinal {
				return true
			}
		}
		return false
	})

	// The owner's personal final report is a tracked delivery.
	waitFor(t, 2*time.Second, func() bool { return len(lb.Inbox("owner")) == 1 })
	final := lb.Inbox("owner")[0]
	if !final.RequiresAck || final.Subtype != aggregate.TierFinal {
		t.Fatalf("personal final: %+v", final)
	}
	if !a.Tracker().Pending(final.ID) {
		t.Fatal("personal final should await ack")
	}
}
