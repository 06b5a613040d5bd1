package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/clawrun/internal/sandbox"
)

const maxReadBytes = 256 * 1024

// FSReadTool reads file contents inside the run's filesystem policy.
type FSReadTool struct {
	workspaceDir string
	policy       sandbox.FSPolicy
}

func NewFSReadTool(workspaceDir string, policy sandbox.FSPolicy) *FSReadTool {
	return &FSReadTool{workspaceDir: workspaceDir, policy: policy}
}

func (t *FSReadTool) Name() string        { return "fs_read" }
func (t *FSReadTool) Description() string { return "Read the contents of a file" }

func (t *FSReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *FSReadTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := resolveWithPolicy(t.workspaceDir, path, t.effectivePolicy(ctx))
	if err != nil {
		return ErrorResult(err.Error())
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot read %s: %v", path, err))
	}
	if info.IsDir() {
		return ErrorResult(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > maxReadBytes {
		return ErrorResult(fmt.Sprintf("%s is too large (%d bytes, limit %d)", path, info.Size(), maxReadBytes))
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot read %s: %v", path, err))
	}
	return NewResult(string(data))
}

func (t *FSReadTool) effectivePolicy(ctx context.Context) sandbox.FSPolicy {
	if policy, ok := FSPolicyFrom(ctx); ok {
		return policy
	}
	return t.policy
}

// FSWriteTool writes file contents inside the run's filesystem policy.
type FSWriteTool struct {
	workspaceDir string
	policy       sandbox.FSPolicy
}

func NewFSWriteTool(workspaceDir string, policy sandbox.FSPolicy) *FSWriteTool {
	return &FSWriteTool{workspaceDir: workspaceDir, policy: policy}
}

func (t *FSWriteTool) Name() string        { return "fs_write" }
func (t *FSWriteTool) Description() string { return "Write content to a file, creating it if needed" }

func (t *FSWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *FSWriteTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return ErrorResult("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}

	resolved, err := resolveWithPolicy(t.workspaceDir, path, t.effectivePolicy(ctx))
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("cannot create parent directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("cannot write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

func (t *FSWriteTool) effectivePolicy(ctx context.Context) sandbox.FSPolicy {
	if policy, ok := FSPolicyFrom(ctx); ok {
		return policy
	}
	return t.policy
}

// resolveWithPolicy anchors relative paths at the workspace directory and
// checks the result against the policy. The policy sees the anchored path
// so its prefix rules apply to what will actually be opened.
func resolveWithPolicy(workspaceDir, path string, policy sandbox.FSPolicy) (string, error) {
	// The raw input is checked first so `..` segments are rejected before
	// Clean could fold them away.
	if !policy.IsPathAllowed(path) {
		return "", fmt.Errorf("path %s is not allowed by the filesystem policy", path)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspaceDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	if !policy.IsPathAllowed(resolved) {
		return "", fmt.Errorf("path %s is not allowed by the filesystem policy", path)
	}
	return resolved, nil
}
