package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "missiond/pkg/logx"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("worker", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel-on-error did not cancel context")
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want wrapped boom", err)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go("worker", func(ctx context.Context) error { panic("kaboom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not cancel context")
	}
	if err := s.Err(); err == nil {
		t.Fatal("panic not recorded as error")
	}
}

func TestCleanShutdownIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("clean shutdown recorded error: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))
	release := make(chan struct{})
	s.Go0("stuck", func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait must report stuck goroutines")
	}
	close(release)
}
