package tools_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/mocks/mocktools"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func remoteTool(name string) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:       name,
			Parameters: schema.Empty(),
		},
	}
}

func weatherTool() tools.ITool {
	params := schema.MustFromAny(map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []string{"city"},
	})
	return tools.NewFunc("get_weather", "Returns weather", params, func(_ context.Context, args map[string]any) (any, error) {
		if args["city"] == "" || args["city"] == nil {
			return nil, errors.New("city is required")
		}
		return map[string]any{"temperature": 20, "condition": "sunny"}, nil
	})
}

func TestRegistry_Local(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	echo := tools.NewFunc("echo", "Echo text", nil, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	r, err := tools.NewRegistry(weatherTool(), echo)
	require.NoError(t, err)

	list, err := r.ListTools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_weather", "echo"}, tools.Names(list))
	assert.Equal(t, "object", list[1].Function.Parameters.Type)

	res, err := r.CallTool(ctx, "get_weather", map[string]any{"city": "Rome"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": float64(20), "condition": "sunny"}, res)

	res, err = r.CallTool(ctx, "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res)

	_, err = r.CallTool(ctx, "get_weather", nil)
	assert.EqualError(t, err, "city is required")

	_, err = r.CallTool(ctx, "missing", nil)
	assert.ErrorIs(t, err, tools.ErrToolNotFound)

	err = r.Register(echo)
	assert.ErrorIs(t, err, tools.ErrDuplicateTool)
	_, err = tools.NewRegistry(echo, echo)
	assert.ErrorIs(t, err, tools.ErrDuplicateTool)
}

func TestRegistry_Remote(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	remote := mocktools.NewMockExecutor(ctrl)
	remote.EXPECT().ListTools(gomock.Any()).Return([]llms.Tool{remoteTool("search"), remoteTool("sql")}, nil).Times(1)
	remote.EXPECT().CallTool(gomock.Any(), "search", map[string]any{"q": "go"}).Return("found", nil)

	r, err := tools.NewRegistry(weatherTool())
	require.NoError(t, err)
	r.AddExecutor(remote)

	// routes are discovered on first call
	res, err := r.CallTool(ctx, "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, "found", res)

	_, err = r.CallTool(ctx, "unknown", nil)
	assert.ErrorIs(t, err, tools.ErrToolNotFound)
}

func TestRegistry_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ctrl := gomock.NewController(t)

	dup := mocktools.NewMockExecutor(ctrl)
	dup.EXPECT().ListTools(gomock.Any()).Return([]llms.Tool{remoteTool("get_weather")}, nil)

	r, err := tools.NewRegistry(weatherTool())
	require.NoError(t, err)
	r.AddExecutor(dup)
	_, err = r.ListTools(ctx)
	assert.ErrorIs(t, err, tools.ErrDuplicateTool)

	failing := mocktools.NewMockExecutor(ctrl)
	failing.EXPECT().ListTools(gomock.Any()).Return(nil, errors.New("connection refused")).Times(2)

	r2, err := tools.NewRegistry()
	require.NoError(t, err)
	r2.AddExecutor(failing)
	_, err = r2.ListTools(ctx)
	assert.EqualError(t, err, "connection refused")
	_, err = r2.CallTool(ctx, "x", nil)
	assert.EqualError(t, err, "connection refused")
}

func TestFuncTool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tool := weatherTool()
	def := tools.Definition(tool)
	assert.Equal(t, "function", def.Type)
	assert.Equal(t, "get_weather", def.Function.Name)
	assert.Equal(t, "Returns weather", def.Function.Description)
	assert.Equal(t, []string{"city"}, def.Function.Parameters.Required)

	out, err := tool.Call(ctx, `{"city":"Rome"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temperature":20,"condition":"sunny"}`, out)

	_, err = tool.Call(ctx, `not json`)
	assert.Error(t, err)
}
