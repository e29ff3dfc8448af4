package tools

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/invopop/jsonschema"
)

//go:generate mockgen -source=tools.go -destination=../mocks/mocktools/tools_mock.gen.go -package mocktools

var (
	// ErrToolNotFound is returned when a tool is not registered
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when more than one tool has the same name
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// ITool is a tool for the llm agent implemented in process.
type ITool interface {
	// Name returns the name of the Tool.
	Name() string
	// Description returns the description of the tool, to be used in the prompt.
	// Should not exceed LLM model limit.
	Description() string
	// Parameters returns the JSON schema of the tool arguments.
	Parameters() *jsonschema.Schema

	// Call executes the tool with JSON encoded arguments and returns the result.
	Call(ctx context.Context, input string) (string, error)
}

// Executor is the tool execution capability: it discovers the declared
// tools and invokes them by name.
// CallTool returns a JSON-compatible or textual result, or an error.
type Executor interface {
	// ListTools returns the descriptors of the available tools
	ListTools(ctx context.Context) ([]llms.Tool, error)
	// CallTool invokes the tool with the arguments
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Definition returns the function descriptor of the tool
func Definition(t ITool) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  schema.Normalize(t.Parameters()),
		},
	}
}

// Names returns the names of the tools
func Names(list []llms.Tool) []string {
	names := make([]string, 0, len(list))
	for _, t := range list {
		names = append(names, t.Name())
	}
	return names
}
