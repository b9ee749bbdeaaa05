// Package sweeper runs the engine's named periodic maintenance jobs on cron
// schedules.
package sweeper

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pushgate/pkg/logx"
)

// Job is one periodic maintenance task. The context is the service's run
// context; jobs should return promptly once it is cancelled.
type Job func(ctx context.Context)

type namedJob struct {
	name string
	spec string
	fn   Job
}

// Service schedules registered jobs with 5- or 6-field cron specs (seconds
// optional). Register everything before Start.
type Service struct {
	mu   sync.Mutex
	jobs []namedJob

	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	log logx.Logger
}

func New(log logx.Logger) *Service {
	return &Service{log: log}
}

var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Register adds a named job. The spec is validated immediately; registering
// after Start returns an error.
func (s *Service) Register(name, spec string, fn Job) error {
	if name == "" || fn == nil {
		return fmt.Errorf("sweeper: job needs a name and a func")
	}
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("sweeper: bad spec for %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return fmt.Errorf("sweeper: cannot register %q while running", name)
	}
	s.jobs = append(s.jobs, namedJob{name: name, spec: spec, fn: fn})
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx

	c := cron.New(cron.WithParser(specParser))
	for _, j := range s.jobs {
		j := j
		_, err := c.AddFunc(j.spec, func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in sweep job",
						logx.String("job", j.name),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			if runCtx.Err() != nil {
				return
			}
			start := time.Now()
			j.fn(runCtx)
			s.log.Trace("sweep.ran", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
		})
		if err != nil {
			s.runCancel()
			s.runCtx, s.runCancel = nil, nil
			return fmt.Errorf("sweeper: scheduling %q: %w", j.name, err)
		}
	}

	c.Start()
	s.c = c
	s.log.Info("sweeper started", logx.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}
