package llms

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// partJSON is the typed JSON envelope of a content part.
type partJSON struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	ToolCall     *ToolCall         `json:"tool_call,omitempty"`
	ToolResponse *ToolCallResponse `json:"tool_response,omitempty"`
}

type messageJSON struct {
	Role  Role              `json:"role"`
	Text  string            `json:"text,omitempty"`
	Parts []json.RawMessage `json:"parts,omitempty"`
}

// MarshalJSON implements json.Marshaler for Message.
// A message with a single text part is encoded as {"role","text"}.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) == 1 {
		if tp, ok := m.Parts[0].(TextContent); ok {
			return json.Marshal(messageJSON{Role: m.Role, Text: tp.Text})
		}
	}

	res := messageJSON{
		Role:  m.Role,
		Parts: make([]json.RawMessage, 0, len(m.Parts)),
	}
	for _, p := range m.Parts {
		var pj partJSON
		switch typ := p.(type) {
		case TextContent:
			pj = partJSON{Type: "text", Text: typ.Text}
		case ToolCall:
			pj = partJSON{Type: "tool_call", ToolCall: &typ}
		case ToolCallResponse:
			pj = partJSON{Type: "tool_response", ToolResponse: &typ}
		default:
			return nil, errors.Newf("unsupported content part: %T", p)
		}
		js, err := json.Marshal(pj)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		res.Parts = append(res.Parts, js)
	}
	return json.Marshal(res)
}

// UnmarshalJSON implements json.Unmarshaler for Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var mj messageJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return errors.WithStack(err)
	}

	m.Role = mj.Role
	m.Parts = nil
	if mj.Text != "" {
		m.Parts = append(m.Parts, TextPart(mj.Text))
	}
	for _, raw := range mj.Parts {
		var pj partJSON
		if err := json.Unmarshal(raw, &pj); err != nil {
			return errors.WithStack(err)
		}
		switch pj.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart(pj.Text))
		case "tool_call":
			if pj.ToolCall == nil {
				return errors.New("missing tool_call")
			}
			m.Parts = append(m.Parts, *pj.ToolCall)
		case "tool_response":
			if pj.ToolResponse == nil {
				return errors.New("missing tool_response")
			}
			m.Parts = append(m.Parts, *pj.ToolResponse)
		default:
			return errors.Newf("unsupported content part type: %q", pj.Type)
		}
	}
	return nil
}
