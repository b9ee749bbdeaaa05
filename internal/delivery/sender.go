package delivery

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pushgate/internal/routing"
	"pushgate/internal/transport"
	logx "pushgate/pkg/logx"
)

type SenderConfig struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

// SendResult reports what Send did synchronously; the transmission itself is
// asynchronous.
type SendResult struct {
	MessageID string
	Tracked   bool
}

// Router is the routing surface the sender needs.
type Router interface {
	Decide(msg transport.Message) (routing.Decision, error)
	ReportResult(d routing.Decision, ok bool, latency time.Duration)
}

type sendJob struct {
	msg        transport.Message
	topicOnly  string // non-empty for fire-and-forget topic publishes
	attempt    int    // retry attempt number (0 = first transmission)
	enqueuedAt time.Time
}

// Sender is the single entry point for reliable sends: it tracks, transmits
// through the routed targets, and feeds transport failures back into the
// retry state machine. Callers never block on the network; jobs are handed
// to a worker pool.
type Sender struct {
	mu  sync.Mutex
	cfg SenderConfig

	publisher transport.Publisher
	router    Router
	tracker   *Tracker
	log       logx.Logger

	limiter *rate.Limiter
	queue   chan sendJob
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	abandoned atomic.Uint64
}

func NewSender(cfg SenderConfig, publisher transport.Publisher, router Router, tracker *Tracker, log logx.Logger) *Sender {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 200
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	s := &Sender{
		cfg:       cfg,
		publisher: publisher,
		router:    router,
		tracker:   tracker,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
		queue:     make(chan sendJob, qs),
	}
	if tracker != nil {
		tracker.SetRetryFunc(s.enqueueRetry)
	}
	return s
}

func (s *Sender) Apply(cfg SenderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	// Note: live pool/queue resizing is out of scope; only the rate applies hot.
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 200
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Sender) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	// keep queue across restarts (jobs remain pending)
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in sender worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.log.Info("sender started", logx.Int("workers", workers), logx.Int("queue_cap", cap(queue)))
}

func (s *Sender) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("sender stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// Send queues msg for reliable transmission. When msg.RequiresAck the
// delivery is registered with the tracker before the first transmission
// attempt, so a transport failure immediately enters the retry state machine.
func (s *Sender) Send(ctx context.Context, msg transport.Message) (SendResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	res := SendResult{MessageID: msg.ID}
	if msg.RequiresAck && s.tracker != nil {
		if err := s.tracker.Track(msg); err != nil {
			return res, err
		}
		res.Tracked = true
	}

	if err := s.enqueue(sendJob{msg: msg, enqueuedAt: time.Now()}); err != nil {
		if res.Tracked {
			// Tracked messages are never silently dropped: feed the failure
			// into the retry decision so the backoff path re-queues it.
			s.tracker.Fail(msg.ID, ReasonSendFailed)
		} else {
			s.abandoned.Add(1)
		}
		return res, err
	}
	return res, nil
}

// SendToTopic publishes fire-and-forget to a single topic, with no
// per-recipient ack tracking.
func (s *Sender) SendToTopic(ctx context.Context, topic string, msg transport.Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := s.enqueue(sendJob{msg: msg, topicOnly: topic, enqueuedAt: time.Now()}); err != nil {
		s.abandoned.Add(1)
		return err
	}
	return nil
}

// Abandoned counts messages dropped without any retry path (untracked sends
// that hit a full queue or a failed transport).
func (s *Sender) Abandoned() uint64 { return s.abandoned.Load() }

func (s *Sender) enqueue(j sendJob) error {
	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil
	s.mu.Unlock()
	if q == nil || !running {
		return ErrStopped
	}
	select {
	case q <- j:
		return nil
	default:
		s.log.Warn("sender queue full; dropping job",
			logx.String("msg", j.msg.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// enqueueRetry is installed as the tracker's retry callback.
func (s *Sender) enqueueRetry(msg transport.Message, attempt int) {
	if err := s.enqueue(sendJob{msg: msg, attempt: attempt, enqueuedAt: time.Now()}); err != nil {
		// Queue pressure: loop the failure back into the policy so the next
		// backoff step (or terminal abandonment) applies.
		s.tracker.Fail(msg.ID, ReasonSendFailed)
	}
}

func (s *Sender) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan sendJob, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.transmit(ctx, j)
		}
	}
}

func (s *Sender) transmit(ctx context.Context, j sendJob) {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	if j.topicOnly != "" {
		if ok := s.publisher.SendToTopic(ctx, j.topicOnly, j.msg); !ok {
			s.abandoned.Add(1)
			s.log.Warn("push.topic_send_failed", logx.String("msg", j.msg.ID), logx.String("topic", j.topicOnly))
		}
		return
	}

	decision, err := s.router.Decide(j.msg)
	if err != nil {
		s.log.Warn("push.routing_failed", logx.String("msg", j.msg.ID), logx.String("kind", j.msg.Kind), logx.Err(err))
		if j.msg.RequiresAck && s.tracker != nil {
			s.tracker.Fail(j.msg.ID, ReasonSendFailed)
		} else {
			s.abandoned.Add(1)
		}
		return
	}

	start := time.Now()
	ok := true
	for _, t := range decision.Targets {
		var sent bool
		switch t.Kind {
		case transport.TargetRecipient:
			sent = s.publisher.SendToRecipient(ctx, t.ID, t.Destination, j.msg)
		default:
			sent = s.publisher.SendToTopic(ctx, t.ID, j.msg)
		}
		if !sent {
			ok = false
		}
	}
	latency := time.Since(start)
	s.router.ReportResult(decision, ok, latency)

	if !ok {
		if j.msg.RequiresAck && s.tracker != nil {
			s.tracker.Fail(j.msg.ID, ReasonSendFailed)
		} else {
			s.abandoned.Add(1)
			s.log.Warn("push.send_failed",
				logx.String("msg", j.msg.ID),
				logx.String("kind", j.msg.Kind),
				logx.Int("targets", len(decision.Targets)))
		}
		return
	}

	s.log.Debug("push.sent",
		logx.String("msg", j.msg.ID),
		logx.String("kind", j.msg.Kind),
		logx.String("strategy", decision.StrategyUsed),
		logx.Int("targets", len(decision.Targets)),
		logx.Int("attempt", j.attempt),
		logx.Duration("latency", latency))
}
