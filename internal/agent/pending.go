package agent

import (
	"sync"

	"github.com/google/uuid"
)

// pendingToolCalls re-attaches tool-call ids to result chunks. The stream
// may omit the id on results; pairing falls back to a FIFO queue per tool
// name, so every result matches exactly one earlier call.
type pendingToolCalls struct {
	mu     sync.Mutex
	byName map[string][]string
	text   string
}

func newPendingToolCalls() *pendingToolCalls {
	return &pendingToolCalls{byName: make(map[string][]string)}
}

// push records a tool call, generating an id when the stream omitted one,
// and returns the id to emit.
func (p *pendingToolCalls) push(toolName, id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	p.mu.Lock()
	p.byName[toolName] = append(p.byName[toolName], id)
	p.mu.Unlock()
	return id
}

// pop resolves the id for a result chunk: the chunk's own id when present
// (removed from the queue), otherwise the FIFO head for the tool name.
func (p *pendingToolCalls) pop(toolName, id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := p.byName[toolName]
	if len(queue) == 0 {
		if id == "" {
			id = uuid.NewString()
		}
		return id
	}

	if id != "" {
		for i, queued := range queue {
			if queued == id {
				p.byName[toolName] = append(queue[:i], queue[i+1:]...)
				return id
			}
		}
		return id
	}

	head := queue[0]
	p.byName[toolName] = queue[1:]
	return head
}

// appendText accumulates assistant text and returns the total so far.
func (p *pendingToolCalls) appendText(delta string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.text += delta
	return p.text
}

// reset clears pending state between candidate fallback attempts.
func (p *pendingToolCalls) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName = make(map[string][]string)
	p.text = ""
}
