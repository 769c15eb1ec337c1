package stream

import (
	"encoding/json"
	"strings"

	"github.com/lumachat/luma-backend/pkg/provider"
)

// ToolCall is a fully assembled tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	argumentsText strings.Builder
}

// Assembler accumulates the answer under construction. It is owned solely by
// the generation task; its content always equals the ordered concatenation of
// every delta applied so far. Tolerant to partial tool-call fragments.
type Assembler struct {
	text      strings.Builder
	toolCalls []*ToolCall
	usage     *provider.Usage
	finish    string
}

// AppendText appends one text delta.
func (a *Assembler) AppendText(delta string) {
	a.text.WriteString(delta)
}

// ApplyToolDelta merges one tool-call fragment by index.
func (a *Assembler) ApplyToolDelta(d *provider.ToolCallDelta) {
	if d == nil {
		return
	}
	for len(a.toolCalls) <= d.Index {
		a.toolCalls = append(a.toolCalls, &ToolCall{})
	}
	tc := a.toolCalls[d.Index]
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	tc.argumentsText.WriteString(d.ArgumentsDelta)
}

// SetUsage records token accounting.
func (a *Assembler) SetUsage(u *provider.Usage) {
	if u == nil {
		return
	}
	cpy := *u
	a.usage = &cpy
}

// SetFinishReason records the upstream finish reason.
func (a *Assembler) SetFinishReason(reason string) {
	if reason != "" {
		a.finish = reason
	}
}

// Text returns the concatenation of all deltas applied so far.
func (a *Assembler) Text() string { return a.text.String() }

// Usage returns recorded token accounting, or nil.
func (a *Assembler) Usage() *provider.Usage { return a.usage }

// FinishReason returns the recorded upstream finish reason.
func (a *Assembler) FinishReason() string { return a.finish }

// Empty reports whether no content was accumulated at all.
func (a *Assembler) Empty() bool {
	return a.text.Len() == 0 && len(a.toolCalls) == 0
}

// ToolCalls returns assembled tool calls with arguments parsed where the
// accumulated fragments form valid JSON.
func (a *Assembler) ToolCalls() []ToolCall {
	if len(a.toolCalls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.toolCalls))
	for _, tc := range a.toolCalls {
		assembled := ToolCall{ID: tc.ID, Name: tc.Name}
		if args := tc.argumentsText.String(); args != "" && json.Valid([]byte(args)) {
			assembled.Arguments = json.RawMessage(args)
		}
		out = append(out, assembled)
	}
	return out
}
