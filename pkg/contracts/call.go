// Package contracts defines the shared data contracts of the autonomy kernel:
// proposed tool calls, tool contracts, execution events, approvals, trust
// scores, typed memories, compensation incidents, and pipeline results.
//
// Contracts are plain data. Behavior lives in the packages that consume them.
package contracts

// CallSource identifies who proposed a tool call.
type CallSource string

const (
	SourceLLM     CallSource = "llm"
	SourceUser    CallSource = "user"
	SourceSystem  CallSource = "system"
	SourcePlugin  CallSource = "plugin"
	SourceTrigger CallSource = "trigger"
)

// ProposedToolCall is the immutable input of a pipeline run. It is created at
// pipeline entry and never mutated; validated parameters live on the
// validation result, not here.
type ProposedToolCall struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Source    CallSource     `json:"source"`
	RequestID string         `json:"request_id"`
}

// CloneParams returns a shallow copy of the call parameters so downstream
// stages can normalize without touching the proposal.
func (c *ProposedToolCall) CloneParams() map[string]any {
	if c.Params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		out[k] = v
	}
	return out
}
