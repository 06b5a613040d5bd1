package tools

import (
	"context"
	"fmt"
	"strings"
)

// KnowledgeHit is one match from the workspace knowledge base.
type KnowledgeHit struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// KnowledgeSearchFunc queries the workspace knowledge base. Injected so the
// tool does not care whether the backing store is the gateway database or
// the persistence service.
type KnowledgeSearchFunc func(ctx context.Context, workspaceID, query string, limit int) ([]KnowledgeHit, error)

// KnowledgeSearchTool searches previously recorded workspace knowledge.
type KnowledgeSearchTool struct {
	workspaceID string
	search      KnowledgeSearchFunc
}

// NewKnowledgeSearchTool builds the tool. An empty workspaceID means the
// workspace is resolved per call from the run context.
func NewKnowledgeSearchTool(workspaceID string, search KnowledgeSearchFunc) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{workspaceID: workspaceID, search: search}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search the workspace knowledge base for relevant context"
}

func (t *KnowledgeSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, ok := args["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	workspaceID := t.workspaceID
	if workspaceID == "" {
		if info, ok := RunInfoFrom(ctx); ok {
			workspaceID = info.WorkspaceID
		}
	}

	hits, err := t.search(ctx, workspaceID, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("knowledge search failed: %v", err)).WithError(err)
	}
	if len(hits) == 0 {
		return NewResult("No results found.")
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, hit.Source, hit.Snippet)
	}
	return NewResult(b.String())
}
