package plugins

import (
	"context"
	"sync"
	"time"
)

// Guard error codes, returned to the model as structured tool results.
const (
	CodeCooldownActive   = "plugin_cooldown_active"
	CodeQueueTimeout     = "plugin_queue_timeout"
	CodeExecutionTimeout = "plugin_execution_timeout"
	CodeExecutionError   = "plugin_execution_error"
)

// GuardConfig bounds plugin tool execution for one installed plugin.
type GuardConfig struct {
	MaxConcurrency   int
	QueueTimeout     time.Duration
	ExecutionTimeout time.Duration
	FailureThreshold int
	FailureCooldown  time.Duration
}

// GuardMeta is reported with every guarded call, success or failure.
type GuardMeta struct {
	QueueWaitMs         int64 `json:"queueWaitMs"`
	ExecutionMs         int64 `json:"executionMs"`
	TimeoutMs           int64 `json:"timeoutMs"`
	MaxConcurrency      int   `json:"maxConcurrency"`
	FailureStreak       int   `json:"failureStreak"`
	CooldownUntilMs     int64 `json:"cooldownUntilMs,omitempty"`
	CooldownRemainingMs int64 `json:"cooldownRemainingMs,omitempty"`
}

// Guard serializes and circuit-breaks tool calls for one installed plugin.
type Guard struct {
	cfg GuardConfig
	sem chan struct{}

	mu            sync.Mutex
	failureStreak int
	cooldownUntil time.Time
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Guard{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Do runs fn under the guard. The string return is the error code when the
// call failed; meta is always populated.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, meta GuardMeta, code string, err error) {
	meta = GuardMeta{
		TimeoutMs:      g.cfg.ExecutionTimeout.Milliseconds(),
		MaxConcurrency: g.cfg.MaxConcurrency,
	}

	now := time.Now()
	g.mu.Lock()
	if now.Before(g.cooldownUntil) {
		meta.FailureStreak = g.failureStreak
		meta.CooldownUntilMs = g.cooldownUntil.UnixMilli()
		meta.CooldownRemainingMs = g.cooldownUntil.Sub(now).Milliseconds()
		g.mu.Unlock()
		return nil, meta, CodeCooldownActive, context.Canceled
	}
	g.mu.Unlock()

	queueStart := time.Now()
	queueTimer := time.NewTimer(g.cfg.QueueTimeout)
	defer queueTimer.Stop()
	select {
	case g.sem <- struct{}{}:
	case <-queueTimer.C:
		meta.QueueWaitMs = time.Since(queueStart).Milliseconds()
		g.recordFailure(&meta)
		return nil, meta, CodeQueueTimeout, context.DeadlineExceeded
	case <-ctx.Done():
		meta.QueueWaitMs = time.Since(queueStart).Milliseconds()
		return nil, meta, CodeQueueTimeout, ctx.Err()
	}
	defer func() { <-g.sem }()
	meta.QueueWaitMs = time.Since(queueStart).Milliseconds()

	execCtx, cancel := context.WithTimeout(ctx, g.cfg.ExecutionTimeout)
	defer cancel()

	execStart := time.Now()
	result, err = fn(execCtx)
	meta.ExecutionMs = time.Since(execStart).Milliseconds()

	if err != nil {
		g.recordFailure(&meta)
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, meta, CodeExecutionTimeout, err
		}
		return nil, meta, CodeExecutionError, err
	}

	g.mu.Lock()
	g.failureStreak = 0
	meta.FailureStreak = 0
	g.mu.Unlock()
	return result, meta, "", nil
}

// recordFailure bumps the streak and arms the cooldown at the threshold.
func (g *Guard) recordFailure(meta *GuardMeta) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureStreak++
	meta.FailureStreak = g.failureStreak
	if g.cfg.FailureThreshold > 0 && g.failureStreak >= g.cfg.FailureThreshold {
		g.cooldownUntil = time.Now().Add(g.cfg.FailureCooldown)
		meta.CooldownUntilMs = g.cooldownUntil.UnixMilli()
		meta.CooldownRemainingMs = g.cfg.FailureCooldown.Milliseconds()
	}
}
