package subagent

import (
	"encoding/json"
	"sync"
	"time"
)

// defaultMaxEvents bounds the number of events retained per execution,
// mirroring eventbuf.go's DefaultEventBufSize ring-buffer cap.
const defaultMaxEvents = 2000

// execTrace is one execution's mutable parse state: the active Task-tool
// call stack (for parent/depth tracking) and every subagent observed so far.
type execTrace struct {
	stack      []string // IDs of Task tool_use blocks not yet resolved
	subagents  map[string]*State
	events     []Event
	maxEvents  int
}

// Parser reconstructs subagent hierarchies from Claude Code's stream-json
// assistant/user event pairs: a "Task" tool_use block opens a subagent, the
// matching tool_result (by tool_use_id) in a following user event closes it.
// Other agent families don't currently expose subagent tracing (see
// Meta.SupportsSubagentTracing in internal/agent), so Feed is a no-op for
// message shapes it doesn't recognize rather than an error.
type Parser struct {
	mu    sync.Mutex
	execs map[string]*execTrace
}

// NewParser creates a parser with the default per-execution event cap.
func NewParser() *Parser {
	return &Parser{execs: make(map[string]*execTrace)}
}

func (p *Parser) traceFor(executionID string) *execTrace {
	t, ok := p.execs[executionID]
	if !ok {
		t = &execTrace{subagents: make(map[string]*State), maxEvents: defaultMaxEvents}
		p.execs[executionID] = t
	}
	return t
}

// claudeAssistantMsg is the sparse parse target for a Claude stream-json
// "assistant" line, matching jsonl_claude.go's claudeEvent shape.
type claudeAssistantMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []struct {
			Type      string          `json:"type"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
	} `json:"message"`
}

// Feed processes one decoded JSONL message for executionID, updating the
// subagent forest and recording an Event for every recognized transition.
func (p *Parser) Feed(executionID string, msg map[string]any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var ev claudeAssistantMsg
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	trace := p.traceFor(executionID)

	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			if block.Type != "tool_use" || block.Name != "Task" {
				continue
			}
			parent := ""
			if len(trace.stack) > 0 {
				parent = trace.stack[len(trace.stack)-1]
			}
			state := &State{
				ID:          block.ID,
				ParentID:    parent,
				Depth:       len(trace.stack) + 1,
				Description: extractDescription(block.Input),
				Status:      StatusRunning,
				StartedAt:   time.Now(),
				ToolUseID:   block.ID,
			}
			trace.subagents[block.ID] = state
			trace.stack = append(trace.stack, block.ID)
			trace.pushEvent(Event{Kind: EventSpawn, Subagent: block.ID, At: state.StartedAt})
		}
	case "user":
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			state, ok := trace.subagents[block.ToolUseID]
			if !ok || state.Status != StatusRunning {
				continue
			}
			state.EndedAt = time.Now()
			if block.IsError {
				state.Status = StatusFailed
			} else {
				state.Status = StatusCompleted
			}
			trace.popStack(block.ToolUseID)
			trace.pushEvent(Event{Kind: EventResult, Subagent: block.ToolUseID, At: state.EndedAt})
		}
	}
}

// extractDescription pulls the "description" field out of a Task tool's
// input JSON, matching extractKeyInput's per-tool field convention in the
// teacher's jsonl.go.
func extractDescription(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return m.Description
}

// popStack removes id from the active stack, wherever it appears — a
// subagent can complete out of LIFO order if the agent issues overlapping
// Task calls, so this scans rather than assuming the top of stack.
func (t *execTrace) popStack(id string) {
	for i, sid := range t.stack {
		if sid == id {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			return
		}
	}
}

// pushEvent appends ev, evicting the oldest event once maxEvents is
// exceeded (per eventbuf.go's Push).
func (t *execTrace) pushEvent(ev Event) {
	if len(t.events) >= t.maxEvents {
		copy(t.events, t.events[1:])
		t.events[len(t.events)-1] = ev
		return
	}
	t.events = append(t.events, ev)
}

// GetEvents returns all events recorded for executionID, oldest first.
func (p *Parser) GetEvents(executionID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.execs[executionID]
	if !ok {
		return nil
	}
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// GetSubagent returns the subagent state for id within executionID.
func (p *Parser) GetSubagent(executionID, id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.execs[executionID]
	if !ok {
		return State{}, false
	}
	s, ok := t.subagents[id]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// GetAllSubagents returns every subagent observed for executionID.
func (p *Parser) GetAllSubagents(executionID string) []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.execs[executionID]
	if !ok {
		return nil
	}
	out := make([]State, 0, len(t.subagents))
	for _, s := range t.subagents {
		out = append(out, *s)
	}
	return out
}

// GetActiveStack returns the IDs of subagents currently running, in
// outermost-to-innermost order.
func (p *Parser) GetActiveStack(executionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.execs[executionID]
	if !ok {
		return nil
	}
	out := make([]string, len(t.stack))
	copy(out, t.stack)
	return out
}

// Reset discards all state for executionID, freeing memory once an
// execution's log has been fully consumed.
func (p *Parser) Reset(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.execs, executionID)
}

// Stats summarizes the subagent forest for executionID.
func (p *Parser) Stats(executionID string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.execs[executionID]
	if !ok {
		return Stats{}
	}
	var s Stats
	for _, sub := range t.subagents {
		s.Total++
		if sub.Depth > s.MaxDepth {
			s.MaxDepth = sub.Depth
		}
		switch sub.Status {
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
