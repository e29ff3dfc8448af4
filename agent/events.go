package agent

import "context"

// EventType is the kind of a StreamEvent
type EventType string

// Event types, in the order they appear in a turn
const (
	EventStart       EventType = "start"
	EventToolCall    EventType = "tool_call"
	EventToolResult  EventType = "tool_result"
	EventToolError   EventType = "tool_error"
	EventFinalAnswer EventType = "final_answer"
)

// StreamEvent is an observable step of a turn
type StreamEvent struct {
	Type EventType `json:"type" yaml:"type"`
	// Question is set on start
	Question string `json:"question,omitempty" yaml:"question,omitempty"`
	// Tool, ID and Args are set on tool events
	Tool string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	ID   string         `json:"id,omitempty" yaml:"id,omitempty"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	// Payload is the tool result on tool_result,
	// and the error object on tool_error.
	Payload any `json:"payload,omitempty" yaml:"payload,omitempty"`
	// Answer and Metadata are set on final_answer
	Answer   string         `json:"answer,omitempty" yaml:"answer,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// EventHandler is invoked synchronously for each event
type EventHandler func(ctx context.Context, ev StreamEvent)

func (h EventHandler) emit(ctx context.Context, ev StreamEvent) {
	if h != nil {
		h(ctx, ev)
	}
}

// Chain returns a handler that invokes the handlers in order
func Chain(handlers ...EventHandler) EventHandler {
	var list []EventHandler
	for _, h := range handlers {
		if h != nil {
			list = append(list, h)
		}
	}
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return func(ctx context.Context, ev StreamEvent) {
		for _, h := range list {
			h(ctx, ev)
		}
	}
}
