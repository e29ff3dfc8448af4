package llms

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrUnexpectedRole is returned when a message role is of an unexpected type.
	ErrUnexpectedRole = errors.New("unexpected role")
	// ErrEmptyResponse is returned when a model returns no choices.
	ErrEmptyResponse = errors.New("no response from model")
)

// Role is the type of chat message.
type Role string

const (
	// RoleSystem is a message sent by the system.
	RoleSystem Role = "system"
	// RoleUser is a message sent by a human.
	RoleUser Role = "user"
	// RoleAssistant is a message sent by the model.
	RoleAssistant Role = "assistant"
	// RoleTool is a message carrying a tool result.
	RoleTool Role = "tool"
)

// ParseRole returns the role for a loosely typed role name,
// the second value is false for unknown roles.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, true
	case "user", "human":
		return RoleUser, true
	case "assistant", "ai":
		return RoleAssistant, true
	case "tool":
		return RoleTool, true
	}
	return "", false
}

// Message is the message sent to a LLM. It has a role and a
// sequence of parts. An assistant message may carry ToolCall parts,
// a tool message carries exactly one ToolCallResponse part.
type Message struct {
	Role  Role          `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// TextPart creates TextContent from a given string.
func TextPart(s string) TextContent {
	return TextContent{Text: s}
}

// ContentPart is an interface all parts of content have to implement.
type ContentPart interface {
	isPart()
}

// TextContent is content with some text.
type TextContent struct {
	Text string `json:"text"`
}

func (tc TextContent) String() string {
	return tc.Text
}

func (TextContent) isPart() {}

// FunctionCall is the name and arguments of a function call.
type FunctionCall struct {
	// The name of the function to call.
	Name string `json:"name"`
	// The arguments to pass to the function, as a JSON string.
	Arguments string `json:"arguments"`
}

// ToolCall is a call to a tool (as requested by the model) that should be executed.
type ToolCall struct {
	// ID is the unique identifier of the tool call.
	// Some providers do not issue identifiers, in which case it is empty.
	ID string `json:"id"`
	// Type is the type of the tool call. Typically, this would be "function".
	Type string `json:"type"`
	// FunctionCall is the function call to be executed.
	FunctionCall *FunctionCall `json:"function,omitempty"`
}

// Name returns the name of the requested function.
func (tc ToolCall) Name() string {
	if tc.FunctionCall == nil {
		return ""
	}
	return tc.FunctionCall.Name
}

// Arguments returns the JSON encoded arguments of the requested function.
func (tc ToolCall) Arguments() string {
	if tc.FunctionCall == nil {
		return ""
	}
	return tc.FunctionCall.Arguments
}

func (tc ToolCall) String() string {
	return fmt.Sprintf("ToolCall: %s (%s), input: %s", tc.ID, tc.Name(), tc.Arguments())
}

func (ToolCall) isPart() {}

// ToolCallResponse is the response returned by a tool call.
type ToolCallResponse struct {
	// ToolCallID is the ID of the tool call this response is for.
	ToolCallID string `json:"tool_call_id"`
	// Name is the name of the tool that was called.
	Name string `json:"name"`
	// Content is the textual content of the response.
	Content string `json:"content"`
}

func (tc ToolCallResponse) String() string {
	return fmt.Sprintf("ToolCallResponse: %s (%s), response size: %d", tc.ToolCallID, tc.Name, len(tc.Content))
}

func (ToolCallResponse) isPart() {}

// ContentResponse is the response returned by a GenerateContent call.
// It can potentially return multiple content choices.
type ContentResponse struct {
	Choices []*ContentChoice
}

// ContentChoice is one of the response choices returned by GenerateContent
// calls.
type ContentChoice struct {
	// Content is the textual content of a response
	Content string `json:"content"`

	// StopReason is the reason the model stopped generating output.
	StopReason string `json:"stop_reason"`

	// GenerationInfo is arbitrary information the model adds to the response,
	// token usage is reported as InputTokens, OutputTokens and TotalTokens.
	GenerationInfo map[string]any `json:"generation_info"`

	// ToolCalls is a list of tool calls the model asks to invoke.
	ToolCalls []ToolCall `json:"tool_calls"`
}

// MessageFromParts is a helper function to create a Message with a role and a
// list of parts.
func MessageFromParts(role Role, parts ...ContentPart) Message {
	return Message{
		Role:  role,
		Parts: parts,
	}
}

// MessageFromTextParts is a helper function to create a Message with a role and a
// list of text parts.
func MessageFromTextParts(role Role, parts ...string) Message {
	result := Message{
		Role:  role,
		Parts: make([]ContentPart, 0, len(parts)),
	}
	for _, part := range parts {
		result.Parts = append(result.Parts, TextPart(part))
	}
	return result
}

// MessageFromToolResponse is a helper function to create a tool Message
// with a tool response.
func MessageFromToolResponse(toolResponse ToolCallResponse) Message {
	return MessageFromParts(RoleTool, toolResponse)
}

// AssistantMessage converts the response of a model into a single assistant
// message. Text of all choices is kept as text parts, tool calls are kept in
// the order the model emitted them.
func AssistantMessage(resp *ContentResponse) (Message, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return Message{}, errors.WithStack(ErrEmptyResponse)
	}

	msg := Message{Role: RoleAssistant}
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		if choice.Content != "" {
			msg.Parts = append(msg.Parts, TextPart(choice.Content))
		}
		for _, tc := range choice.ToolCalls {
			call := ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
			}
			if tc.FunctionCall != nil {
				call.FunctionCall = &FunctionCall{
					Name:      tc.FunctionCall.Name,
					Arguments: tc.FunctionCall.Arguments,
				}
			}
			msg.Parts = append(msg.Parts, call)
		}
	}
	return msg, nil
}

// ToolCalls returns the tool calls carried by the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Text returns the text parts of the message joined by new lines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if tc, ok := p.(TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// GetContent returns a printable representation of all parts of the message.
func (m Message) GetContent() string {
	var buf strings.Builder
	lastNewLine := true
	for _, p := range m.Parts {
		if !lastNewLine {
			buf.WriteString("\n")
		}
		switch typ := p.(type) {
		case TextContent:
			buf.WriteString(typ.Text)
			lastNewLine = strings.HasSuffix(typ.Text, "\n")
		case ToolCall:
			buf.WriteString("Tool Call: ")
			js, _ := json.Marshal(typ)
			buf.Write(js)
			buf.WriteString("\n")
			lastNewLine = true
		case ToolCallResponse:
			buf.WriteString("Response: ")
			js, _ := json.Marshal(typ)
			buf.Write(js)
			buf.WriteString("\n")
			lastNewLine = true
		}
	}
	if !lastNewLine {
		buf.WriteString("\n")
	}
	return buf.String()
}
