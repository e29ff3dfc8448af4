package tools

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/invopop/jsonschema"
)

// Handler implements a tool with decoded arguments
type Handler func(ctx context.Context, args map[string]any) (any, error)

type funcTool struct {
	name        string
	description string
	params      *jsonschema.Schema
	handler     Handler
}

// NewFunc returns ITool implemented by the handler,
// nil params describe a tool without arguments.
func NewFunc(name, description string, params *jsonschema.Schema, handler Handler) ITool {
	return &funcTool{
		name:        name,
		description: description,
		params:      schema.Normalize(params),
		handler:     handler,
	}
}

func (f *funcTool) Name() string {
	return f.name
}

func (f *funcTool) Description() string {
	return f.description
}

func (f *funcTool) Parameters() *jsonschema.Schema {
	return f.params
}

func (f *funcTool) Call(ctx context.Context, input string) (string, error) {
	args, err := llmutils.ParseArguments(input)
	if err != nil {
		return "", err
	}
	res, err := f.handler(ctx, args)
	if err != nil {
		return "", err
	}
	if s, ok := res.(string); ok {
		return s, nil
	}
	js, err := json.Marshal(res)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal result")
	}
	return string(js), nil
}
