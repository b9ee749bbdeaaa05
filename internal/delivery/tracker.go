package delivery

import (
	"sync"
	"sync/atomic"
	"time"

	"pushgate/internal/eventbus"
	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

// Status is the lifecycle state of one tracked delivery.
type Status int

const (
	StatusPending Status = iota
	StatusRetrying
	StatusAcknowledged
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRetrying:
		return "retrying"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryFunc re-transmits a message whose backoff delay elapsed.
// attempt is the number of retries performed so far (>= 1 on first call).
type RetryFunc func(msg transport.Message, attempt int)

// Stats is an aggregate snapshot of delivery counters.
type Stats struct {
	Sent     uint64
	Acked    uint64
	Rejected uint64
	Failed   uint64
	TimedOut uint64
	Retries  uint64
	Pending  int
}

// entry is one in-flight delivery awaiting acknowledgment.
//
// All mutation happens under mu, so an ack racing a timeout resolves to
// exactly one terminal outcome. gen invalidates scheduled timers: every state
// change bumps it, and a firing timer that finds a stale gen is a no-op.
// (Same versioned-timer discipline the one-shot scheduler timers use.)
type entry struct {
	mu sync.Mutex

	msg       transport.Message
	policy    RetryPolicy
	createdAt time.Time

	status   Status
	attempts int
	gen      uint64
	timer    *time.Timer
	done     bool
}

// Tracker owns the table of in-flight deliveries and drives timeout
// detection plus retry scheduling.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	catalog atomic.Pointer[Catalog]
	retryFn atomic.Value // RetryFunc

	bus eventbus.Bus
	log logx.Logger

	sent     atomic.Uint64
	acked    atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
	timedOut atomic.Uint64
	retries  atomic.Uint64
}

func NewTracker(catalog *Catalog, bus eventbus.Bus, log logx.Logger) *Tracker {
	t := &Tracker{
		entries: map[string]*entry{},
		bus:     bus,
		log:     log,
	}
	if catalog == nil {
		catalog = NewCatalog(DefaultPolicy(), nil)
	}
	t.catalog.Store(catalog)
	return t
}

// ApplyCatalog swaps the retry-policy catalog. Already-tracked deliveries
// keep the policy they were resolved with.
func (t *Tracker) ApplyCatalog(c *Catalog) {
	if c != nil {
		t.catalog.Store(c)
	}
}

// SetRetryFunc installs the re-transmit callback. Must be set before the
// first delivery can reach its backoff deadline (the sender does this at
// construction time).
func (t *Tracker) SetRetryFunc(fn RetryFunc) {
	if fn != nil {
		t.retryFn.Store(fn)
	}
}

// Track registers msg as awaiting acknowledgment and arms its timeout timer.
// A messageID is tracked at most once.
func (t *Tracker) Track(msg transport.Message) error {
	policy := t.catalog.Load().Resolve(msg.Kind)

	e := &entry{
		msg:       msg,
		policy:    policy,
		createdAt: time.Now(),
		status:    StatusPending,
	}

	t.mu.Lock()
	if _, exists := t.entries[msg.ID]; exists {
		t.mu.Unlock()
		return ErrAlreadyTracked
	}
	t.entries[msg.ID] = e
	t.mu.Unlock()

	e.mu.Lock()
	t.armTimeoutLocked(e)
	e.mu.Unlock()

	t.sent.Add(1)
	t.log.Debug("delivery.tracked",
		logx.String("msg", msg.ID),
		logx.String("recipient", msg.Recipient),
		logx.String("kind", msg.Kind),
		logx.Duration("ack_timeout", policy.AckTimeout))
	return nil
}

// armTimeoutLocked schedules the ack-timeout check for the current generation.
// Caller holds e.mu.
func (t *Tracker) armTimeoutLocked(e *entry) {
	e.gen++
	gen := e.gen
	id := e.msg.ID
	e.timer = time.AfterFunc(e.policy.AckTimeout, func() { t.onTimeout(id, gen) })
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.Lock()
	e := t.entries[id]
	t.mu.Unlock()
	return e
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Acknowledge resolves a delivery as successful. It returns false when the
// message is unknown, already terminal, or owned by a different recipient.
// A late ack cancels a scheduled-but-unfired retry.
func (t *Tracker) Acknowledge(id, recipient string) bool {
	e := t.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.done || e.msg.Recipient != recipient {
		mismatch := !e.done
		e.mu.Unlock()
		if mismatch {
			t.log.Debug("delivery.ack_recipient_mismatch", logx.String("msg", id), logx.String("recipient", recipient))
		}
		return false
	}
	e.gen++ // invalidate any pending timeout/retry timer
	if e.timer != nil {
		e.timer.Stop()
	}
	e.status = StatusAcknowledged
	e.done = true
	attempts := e.attempts
	elapsed := time.Since(e.createdAt)
	kind := e.msg.Kind
	e.mu.Unlock()

	t.remove(id)
	t.acked.Add(1)
	t.log.Debug("delivery.acked", logx.String("msg", id), logx.String("recipient", recipient), logx.Duration("elapsed", elapsed))
	t.publish(eventbus.EventDeliveryAcked, id, recipient, kind, "", attempts, elapsed)
	return true
}

// Reject resolves a NACK from the owning recipient. Depending on the policy
// the delivery is either retried or terminally failed.
func (t *Tracker) Reject(id, recipient, reason string) bool {
	e := t.lookup(id)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.done || e.msg.Recipient != recipient {
		e.mu.Unlock()
		return false
	}
	t.rejected.Add(1)
	kind := e.msg.Kind
	attempts := e.attempts
	elapsed := time.Since(e.createdAt)
	t.failLocked(e, ReasonRejected)
	e.mu.Unlock()

	t.log.Debug("delivery.nacked", logx.String("msg", id), logx.String("recipient", recipient), logx.String("reason", reason))
	t.publish(eventbus.EventDeliveryNacked, id, recipient, kind, reason, attempts, elapsed)
	return true
}

// Fail feeds a transport-level failure into the retry decision. The sender
// calls this when the broker client reports an unsuccessful send for a
// tracked message.
func (t *Tracker) Fail(id string, reason FailureReason) bool {
	e := t.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return false
	}
	t.failLocked(e, reason)
	e.mu.Unlock()
	return true
}

// onTimeout fires when a delivery sat unacknowledged for its full ack
// timeout. Stale generations (a racing ack or retry already moved the entry
// on) are ignored.
func (t *Tracker) onTimeout(id string, gen uint64) {
	e := t.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.done || e.gen != gen || e.status != StatusPending {
		e.mu.Unlock()
		return
	}
	t.timedOut.Add(1)
	t.failLocked(e, ReasonTimeout)
	e.mu.Unlock()
}

// failLocked runs the retry-or-abandon decision. Caller holds e.mu.
func (t *Tracker) failLocked(e *entry, reason FailureReason) {
	id := e.msg.ID
	if e.policy.ShouldRetry(e.attempts, reason) {
		delay := e.policy.Delay(e.attempts)
		e.attempts++
		e.status = StatusRetrying
		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(delay, func() { t.onRetryDue(id, gen) })
		t.retries.Add(1)
		t.log.Debug("delivery.retry_scheduled",
			logx.String("msg", id),
			logx.String("reason", string(reason)),
			logx.Int("attempt", e.attempts),
			logx.Duration("delay", delay))
		t.publish(eventbus.EventDeliveryRetrying, id, e.msg.Recipient, e.msg.Kind, string(reason), e.attempts, time.Since(e.createdAt))
		return
	}

	// Policy exhausted (or non-retryable reason): terminal failure.
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.status = StatusFailed
	e.done = true
	attempts := e.attempts
	elapsed := time.Since(e.createdAt)
	recipient := e.msg.Recipient
	kind := e.msg.Kind

	t.remove(id)
	t.failed.Add(1)
	t.log.Warn("delivery.abandoned",
		logx.String("msg", id),
		logx.String("recipient", recipient),
		logx.String("kind", kind),
		logx.String("reason", string(reason)),
		logx.Int("attempts", attempts))
	t.publish(eventbus.EventDeliveryFailed, id, recipient, kind, string(reason), attempts, elapsed)
}

// onRetryDue fires when a backoff delay elapses: the delivery goes back to
// Pending, gets a fresh timeout window, and is handed to the retry callback
// for re-transmission.
func (t *Tracker) onRetryDue(id string, gen uint64) {
	e := t.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.done || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.status = StatusPending
	t.armTimeoutLocked(e)
	msg := e.msg
	attempts := e.attempts
	e.mu.Unlock()

	fn, _ := t.retryFn.Load().(RetryFunc)
	if fn == nil {
		t.log.Warn("delivery.retry_without_sender", logx.String("msg", id))
		return
	}
	fn(msg, attempts)
}

// Pending reports whether id is currently tracked.
func (t *Tracker) Pending(id string) bool {
	return t.lookup(id) != nil
}

// PendingStatus returns the live status and retry count for a tracked
// delivery.
func (t *Tracker) PendingStatus(id string) (Status, int, bool) {
	e := t.lookup(id)
	if e == nil {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.attempts, true
}

// Stats returns an aggregate snapshot of the delivery counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	pending := len(t.entries)
	t.mu.Unlock()
	return Stats{
		Sent:     t.sent.Load(),
		Acked:    t.acked.Load(),
		Rejected: t.rejected.Load(),
		Failed:   t.failed.Load(),
		TimedOut: t.timedOut.Load(),
		Retries:  t.retries.Load(),
		Pending:  pending,
	}
}

func (t *Tracker) publish(typ, id, recipient, kind, reason string, attempts int, elapsed time.Duration) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{
		Type: typ,
		Data: eventbus.DeliveryEvent{
			MessageID: id,
			Recipient: recipient,
			Kind:      kind,
			Reason:    reason,
			Attempts:  attempts,
			Elapsed:   elapsed,
		},
	})
}
