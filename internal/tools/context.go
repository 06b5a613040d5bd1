package tools

import (
	"context"

	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
)

type ctxKey int

const (
	runInfoKey ctxKey = iota
	fsPolicyKey
)

// RunInfo identifies the run a tool call belongs to. Threaded through
// context so tools stay stateless across runs.
type RunInfo struct {
	RunID       string
	WorkspaceID string
}

func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey, info)
}

func RunInfoFrom(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey).(RunInfo)
	return info, ok
}

// WithFSPolicy attaches the run's filesystem policy. The filesystem tools
// apply it in place of their construction-time default, so the per-run
// sandbox governs what a shared tool instance may touch.
func WithFSPolicy(ctx context.Context, policy sandbox.FSPolicy) context.Context {
	return context.WithValue(ctx, fsPolicyKey, policy)
}

func FSPolicyFrom(ctx context.Context) (sandbox.FSPolicy, bool) {
	policy, ok := ctx.Value(fsPolicyKey).(sandbox.FSPolicy)
	return policy, ok
}
