package types

// Delta carries the incremental payload of one streamed choice.
// Reasoning-capable models expose their intermediate trace on either
// the "reasoning" or "reasoning_content" field depending on the model
// family; both are accepted.
type Delta struct {
	Content          string `json:"content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ReasoningText returns the reasoning payload regardless of which
// field the model family used.
func (d Delta) ReasoningText() string {
	if d.Reasoning != "" {
		return d.Reasoning
	}
	return d.ReasoningContent
}

// StreamChoice is one choice entry inside an upstream stream frame.
type StreamChoice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// StreamChunk is a single decoded upstream SSE frame.
type StreamChunk struct {
	ID      string         `json:"id"`
	Choices []StreamChoice `json:"choices"`
}

// Event types emitted on the caller-facing stream.
const (
	EventContent   = "content"
	EventReasoning = "reasoning"
)

// Event is the normalized frame forwarded to the caller:
// data: {"type":"content"|"reasoning","data":"<text>"}.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data"`
}
