package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testGuardConfig() GuardConfig {
	return GuardConfig{
		MaxConcurrency:   1,
		QueueTimeout:     50 * time.Millisecond,
		ExecutionTimeout: 200 * time.Millisecond,
		FailureThreshold: 2,
		FailureCooldown:  time.Minute,
	}
}

func TestGuardSuccessResetsStreak(t *testing.T) {
	g := NewGuard(testGuardConfig())

	_, _, _, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected failure")
	}

	result, meta, code, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil || code != "" {
		t.Fatalf("unexpected failure: code=%s err=%v", code, err)
	}
	if result != "ok" {
		t.Errorf("result = %v", result)
	}
	if meta.FailureStreak != 0 {
		t.Errorf("streak = %d, want 0 after success", meta.FailureStreak)
	}
	if meta.MaxConcurrency != 1 || meta.TimeoutMs != 200 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestGuardQueueTimeout(t *testing.T) {
	g := NewGuard(testGuardConfig())

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, _, _ = g.Do(context.Background(), func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		})
	}()

	time.Sleep(10 * time.Millisecond) // let the first call take the slot
	_, meta, code, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		t.Error("queued call must not execute")
		return nil, nil
	})
	if code != CodeQueueTimeout || err == nil {
		t.Errorf("code = %s, err = %v, want plugin_queue_timeout", code, err)
	}
	if meta.QueueWaitMs < 40 {
		t.Errorf("queueWaitMs = %d, expected to reflect the wait", meta.QueueWaitMs)
	}

	close(release)
	wg.Wait()
}

func TestGuardExecutionTimeout(t *testing.T) {
	g := NewGuard(testGuardConfig())

	_, _, code, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})
	if code != CodeExecutionTimeout || err == nil {
		t.Errorf("code = %s, err = %v, want plugin_execution_timeout", code, err)
	}
}

func TestGuardCooldownAfterThreshold(t *testing.T) {
	g := NewGuard(testGuardConfig())

	fail := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }
	for i := 0; i < 2; i++ {
		_, _, code, _ := g.Do(context.Background(), fail)
		if code != CodeExecutionError {
			t.Fatalf("attempt %d code = %s", i, code)
		}
	}

	_, meta, code, _ := g.Do(context.Background(), func(ctx context.Context) (any, error) {
		t.Error("call during cooldown must not execute")
		return nil, nil
	})
	if code != CodeCooldownActive {
		t.Errorf("code = %s, want plugin_cooldown_active", code)
	}
	if meta.CooldownRemainingMs <= 0 {
		t.Errorf("cooldownRemainingMs = %d, want positive", meta.CooldownRemainingMs)
	}
	if meta.FailureStreak != 2 {
		t.Errorf("streak = %d, want 2", meta.FailureStreak)
	}
}

func TestGuardAllowsParallelismUpToLimit(t *testing.T) {
	cfg := testGuardConfig()
	cfg.MaxConcurrency = 2
	g := NewGuard(cfg)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, code, err := g.Do(context.Background(), func(ctx context.Context) (any, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			})
			if err != nil || code != "" {
				t.Errorf("parallel call failed: %s %v", code, err)
			}
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("second call blocked below the concurrency limit")
		}
	}
	close(release)
	wg.Wait()
}
