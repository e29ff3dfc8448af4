package mcp

import (
	"strings"

	"github.com/cockroachdb/errors"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// NormalizeResult converts the tools/call result into a value for the model:
// structuredContent when present, otherwise the text content (decoded when
// it is a JSON document), otherwise {"ok": true}.
// When wrap is set, a structured {"result": v} is unwrapped to v.
func NormalizeResult(res *mcpsdk.CallToolResult, wrap bool) (any, error) {
	if res == nil {
		return map[string]any{"ok": true}, nil
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if res.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			return nil, ErrToolFailed
		}
		return nil, errors.WithMessage(ErrToolFailed, msg)
	}

	if v := res.StructuredContent; v != nil {
		if wrap {
			if m, ok := v.(map[string]any); ok {
				if inner, ok := m["result"]; ok {
					return inner, nil
				}
			}
		}
		return v, nil
	}

	if len(texts) > 0 {
		text := strings.Join(texts, "\n")
		if trimmed := strings.TrimSpace(text); trimmed != "" && gjson.Valid(trimmed) {
			return gjson.Parse(trimmed).Value(), nil
		}
		return text, nil
	}

	return map[string]any{"ok": true}, nil
}
