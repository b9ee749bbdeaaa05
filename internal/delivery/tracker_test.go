package delivery

import (
	"sync"
	"testing"
	"time"

	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

func testTracker(t *testing.T, def RetryPolicy) *Tracker {
	t.Helper()
	return NewTracker(NewCatalog(def, nil), nil, logx.Nop())
}

type retryRecorder struct {
	mu    sync.Mutex
	calls []int
}

func (r *retryRecorder) fn(_ transport.Message, attempt int) {
	r.mu.Lock()
	r.calls = append(r.calls, attempt)
	r.mu.Unlock()
}

func (r *retryRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAckBeforeTimeout(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, RetryPolicy{
		MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second,
		BackoffMultiplier: 2, AckTimeout: 200 * time.Millisecond, RetryOnTimeout: true,
	})
	rec := &retryRecorder{}
	tr.SetRetryFunc(rec.fn)

	msg := transport.Message{ID: "m1", Kind: "alert", Recipient: "c1", RequiresAck: true}
	if err := tr.Track(msg); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !tr.Acknowledge("m1", "c1") {
		t.Fatal("ack should succeed")
	}
	if tr.Pending("m1") {
		t.Fatal("acked delivery should be removed")
	}

	// The ack must have cancelled the timeout; no retry may fire.
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("retries scheduled after ack: %d", rec.count())
	}

	s := tr.Stats()
	if s.Acked != 1 || s.Failed != 0 || s.TimedOut != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestAckWrongRecipient(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, DefaultPolicy())
	if err := tr.Track(transport.Message{ID: "m1", Recipient: "c1", RequiresAck: true}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if tr.Acknowledge("m1", "intruder") {
		t.Fatal("ack from non-owner must fail")
	}
	if !tr.Pending("m1") {
		t.Fatal("delivery should still be tracked")
	}
}

func TestDuplicateTrack(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, DefaultPolicy())
	msg := transport.Message{ID: "dup", Recipient: "c1"}
	if err := tr.Track(msg); err != nil {
		t.Fatalf("first Track: %v", err)
	}
	if err := tr.Track(msg); err != ErrAlreadyTracked {
		t.Fatalf("second Track = %v, want ErrAlreadyTracked", err)
	}
}

func TestRejectWithoutRetryIsTerminal(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, RetryPolicy{
		MaxRetries: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second,
		BackoffMultiplier: 2, AckTimeout: time.Second, RetryOnTimeout: true, RetryOnReject: false,
	})
	rec := &retryRecorder{}
	tr.SetRetryFunc(rec.fn)

	if err := tr.Track(transport.Message{ID: "m1", Kind: "cmd", Recipient: "c1"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if !tr.Reject("m1", "c1", "unsupported") {
		t.Fatal("reject should succeed")
	}
	if tr.Pending("m1") {
		t.Fatal("terminally failed delivery should be removed")
	}

	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("reject scheduled %d retries, want 0", rec.count())
	}
	s := tr.Stats()
	if s.Rejected != 1 || s.Failed != 1 || s.Retries != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	t.Parallel()

	// Scaled-down version of the 5s/10s/20s scenario: three retries with
	// doubling delays, then terminal failure once the policy is exhausted.
	tr := testTracker(t, RetryPolicy{
		MaxRetries: 3, InitialDelay: 20 * time.Millisecond, MaxDelay: time.Second,
		BackoffMultiplier: 2, AckTimeout: 30 * time.Millisecond, RetryOnTimeout: true,
	})
	rec := &retryRecorder{}
	tr.SetRetryFunc(rec.fn)

	if err := tr.Track(transport.Message{ID: "m1", Kind: "cmd", Recipient: "c1"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return !tr.Pending("m1") })

	if got := rec.count(); got != 3 {
		t.Fatalf("retry callbacks = %d, want 3", got)
	}
	rec.mu.Lock()
	calls := append([]int(nil), rec.calls...)
	rec.mu.Unlock()
	for i, attempt := range calls {
		if attempt != i+1 {
			t.Fatalf("retry #%d reported attempt %d", i+1, attempt)
		}
	}

	s := tr.Stats()
	if s.Failed != 1 || s.Retries != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.TimedOut == 0 {
		t.Fatalf("expected timeout counter to move: %+v", s)
	}
}

func TestLateAckCancelsScheduledRetry(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, RetryPolicy{
		MaxRetries: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: time.Second,
		BackoffMultiplier: 2, AckTimeout: 20 * time.Millisecond, RetryOnTimeout: true,
	})
	rec := &retryRecorder{}
	tr.SetRetryFunc(rec.fn)

	if err := tr.Track(transport.Message{ID: "m1", Recipient: "c1"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Let the first timeout fire and move the entry into Retrying with a
	// long backoff, then ack before the retry fires.
	waitFor(t, time.Second, func() bool {
		st, _, ok := tr.PendingStatus("m1")
		return ok && st == StatusRetrying
	})
	if !tr.Acknowledge("m1", "c1") {
		t.Fatal("late ack should succeed while retry is pending")
	}

	time.Sleep(700 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("retry fired after cancellation: %d", rec.count())
	}
	if s := tr.Stats(); s.Acked != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestConcurrentAckAndTimeoutResolveOnce(t *testing.T) {
	t.Parallel()

	tr := testTracker(t, RetryPolicy{
		MaxRetries: 0, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second,
		BackoffMultiplier: 2, AckTimeout: 10 * time.Millisecond, RetryOnTimeout: true,
	})

	const n = 50
	for i := 0; i < n; i++ {
		id := "m" + string(rune('0'+i%10)) + "-" + string(rune('a'+i/10))
		if err := tr.Track(transport.Message{ID: id, Recipient: "c1"}); err != nil {
			t.Fatalf("Track: %v", err)
		}
		// Race the ack against the timeout window.
		go tr.Acknowledge(id, "c1")
	}

	waitFor(t, 2*time.Second, func() bool { return tr.Stats().Pending == 0 })
	s := tr.Stats()
	if s.Acked+s.Failed != n {
		t.Fatalf("acked %d + failed %d != %d tracked", s.Acked, s.Failed, n)
	}
}
