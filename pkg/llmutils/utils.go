package llmutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bububa/ljson"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/x/values"
	"gopkg.in/yaml.v3"
)

// CleanJSON returns JSON by trimming prefixes and postfixes,
// this is more useful than TrimBackticks,
// as LLM can reply like,
// `Here you go: {json}`
func CleanJSON(bs []byte) []byte {
	trimmedPrefix := trimPrefixBeforeJSON(bs)
	trimmedJSON := trimPostfixAfterJSON(trimmedPrefix)
	return trimmedJSON
}

// Removes any prefixes before the JSON (like "Sure, here you go:")
func trimPrefixBeforeJSON(bs []byte) []byte {
	startObject := bytes.IndexByte(bs, '{')
	startArray := bytes.IndexByte(bs, '[')

	var start int
	if startObject == -1 && startArray == -1 {
		return bs
	} else if startObject == -1 {
		start = startArray
	} else if startArray == -1 {
		start = startObject
	} else {
		start = min(startObject, startArray)
	}

	return bs[start:]
}

// Removes any postfixes after the JSON
func trimPostfixAfterJSON(bs []byte) []byte {
	endObject := bytes.LastIndexByte(bs, '}')
	endArray := bytes.LastIndexByte(bs, ']')

	var end int
	if endObject == -1 && endArray == -1 {
		return bs
	} else if endObject == -1 {
		end = endArray
	} else if endArray == -1 {
		end = endObject
	} else {
		end = max(endObject, endArray)
	}

	return bs[:end+1]
}

// ParseArguments decodes the arguments of a tool call as emitted by a model.
// Empty arguments decode to an empty map, JSON wrapped in prose or
// with trailing commas is accepted, anything that is not an object is an error.
func ParseArguments(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return map[string]any{}, nil
	}

	args := map[string]any{}
	if err := json.Unmarshal([]byte(s), &args); err == nil {
		return args, nil
	}

	data := CleanJSON([]byte(s))
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Newf("tool arguments must be a JSON object: %s", s)
	}
	args = map[string]any{}
	if err := ljson.Unmarshal(data, &args); err != nil {
		return nil, errors.Wrapf(err, "invalid tool arguments")
	}
	return args, nil
}

// ToJSON returns JSON string of the value, or empty string on error.
func ToJSON(val any) string {
	js, _ := json.Marshal(val)
	return string(js)
}

// ToJSONIndent returns indented JSON string of the value.
func ToJSONIndent(val any) string {
	js, _ := json.MarshalIndent(val, "", "\t")
	return string(js)
}

// ToYAML returns YAML string of the value.
func ToYAML(val any) string {
	js, _ := yaml.Marshal(val)
	return string(js)
}

// ToTOML returns TOML string of the value,
// the value must be a map or a struct.
func ToTOML(val any) (string, error) {
	rv := reflect.Indirect(reflect.ValueOf(val))
	if k := rv.Kind(); k != reflect.Map && k != reflect.Struct {
		return "", errors.Newf("failed to encode TOML: %T is not a table", val)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(val); err != nil {
		return "", errors.Wrap(err, "failed to encode TOML")
	}
	return buf.String(), nil
}

// Stringify returns the textual representation of a tool result:
// strings and raw JSON as is, anything else as JSON.
func Stringify(s any) string {
	switch v := s.(type) {
	case nil:
		return "null"
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	js, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("%v", s)
	}
	return string(js)
}

// PrintMessages is a debugging helper for messages.
func PrintMessages(w io.Writer, msgs []llms.Message) {
	for _, mc := range msgs {
		fmt.Fprintf(w, "%s: ", strings.ToUpper(string(mc.Role)))
		for _, p := range mc.Parts {
			switch pp := p.(type) {
			case llms.TextContent:
				fmt.Fprintln(w, pp.Text)
			case llms.ToolCall:
				fmt.Fprintf(w, "ToolCall ID=%s, Type=%s, Func=%s(%s)\n", pp.ID, pp.Type, pp.Name(), pp.Arguments())
			case llms.ToolCallResponse:
				fmt.Fprintf(w, "ToolCallResponse ID=%s, Name=%s, Content=%s\n", pp.ToolCallID, pp.Name, pp.Content)
			}
		}
	}
}

// CountMessagesContentSize counts the size of the content in the messages
func CountMessagesContentSize(msgs []llms.Message) uint64 {
	var size uint64
	for _, mc := range msgs {
		size += uint64(len(mc.Role))
		for _, p := range mc.Parts {
			switch pp := p.(type) {
			case llms.TextContent:
				size += uint64(len(pp.Text))
			case llms.ToolCall:
				size += uint64(len(pp.ID))
				size += uint64(len(pp.Type))
				size += uint64(len(pp.Name()))
				size += uint64(len(pp.Arguments()))
			case llms.ToolCallResponse:
				size += uint64(len(pp.ToolCallID))
				size += uint64(len(pp.Name))
				size += uint64(len(pp.Content))
			}
		}
	}
	return size
}

// CountResponseContentSize counts the size of the content in the content response
func CountResponseContentSize(resp *llms.ContentResponse) uint64 {
	var size uint64
	if resp == nil {
		return size
	}
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		size += uint64(len(choice.Content))
		for _, toolCall := range choice.ToolCalls {
			size += uint64(len(toolCall.ID))
			size += uint64(len(toolCall.Type))
			size += uint64(len(toolCall.Name()))
			size += uint64(len(toolCall.Arguments()))
		}
	}
	return size
}

// CountTokens returns the token usage reported in GenerationInfo.
// Providers report the usage of the whole response on each choice,
// so the first choice with usage is counted.
func CountTokens(resp *llms.ContentResponse) (in, out, total int64) {
	if resp == nil {
		return
	}
	for _, choice := range resp.Choices {
		if choice == nil || len(choice.GenerationInfo) == 0 {
			continue
		}
		ma := values.MapAny(choice.GenerationInfo)
		in = ma.Int64("InputTokens")
		out = ma.Int64("OutputTokens")
		total = ma.Int64("TotalTokens")
		if total == 0 {
			total = in + out
		}
		return
	}
	return
}

// FindLastUserQuestion returns the text of the last user message
func FindLastUserQuestion(messages []llms.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == llms.RoleUser {
			return msg.Text()
		}
	}
	return ""
}
