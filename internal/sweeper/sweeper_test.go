package sweeper

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "pushgate/pkg/logx"
)

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	if err := s.Register("", "* * * * *", func(context.Context) {}); err == nil {
		t.Fatal("empty name must be rejected")
	}
	if err := s.Register("job", "not a cron spec", func(context.Context) {}); err == nil {
		t.Fatal("bad spec must be rejected")
	}
	if err := s.Register("job", "*/5 * * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("6-field spec rejected: %v", err)
	}
	if err := s.Register("job2", "*/5 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("5-field spec rejected: %v", err)
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	if err := s.Register("late", "* * * * * *", func(context.Context) {}); err == nil {
		t.Fatal("registration while running must fail")
	}
}

func TestJobsRunAndPanicsAreContained(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	var ran atomic.Int64
	if err := s.Register("ticker", "* * * * * *", func(context.Context) {
		ran.Add(1)
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("bomb", "* * * * * *", func(context.Context) {
		panic("boom")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ran.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop(context.Background())

	if ran.Load() < 2 {
		t.Fatalf("job ran %d times; the panicking neighbor must not stop it", ran.Load())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(logx.Nop())
	s.Stop(context.Background()) // never started
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop(context.Background())
	s.Stop(context.Background())
}
