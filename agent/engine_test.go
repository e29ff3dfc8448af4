package agent_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/mocks/mocktools"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func conversation(question string) []llms.Message {
	return agent.BuildMessages(nil, "You are a helpful assistant.", question, agent.BuildOptions{})
}

// recorder collects the events of a run
type recorder struct {
	events []agent.StreamEvent
}

func (r *recorder) handle(_ context.Context, ev agent.StreamEvent) {
	r.events = append(r.events, ev)
}

func (r *recorder) types() []agent.EventType {
	list := make([]agent.EventType, len(r.events))
	for i, ev := range r.events {
		list[i] = ev.Type
	}
	return list
}

func TestEngine_Weather(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	exec := mocktools.NewMockExecutor(ctrl)
	exec.EXPECT().CallTool(gomock.Any(), "get_weather", map[string]any{"city": "Rome"}).
		Return(map[string]any{"temperature": 20, "condition": "sunny"}, nil).
		Times(1)

	model := newScriptedModel(
		toolsResp(call("", "get_weather", `{"city":"Rome"}`)),
		textResp("It's sunny and 20°C in Rome."),
	)

	defs := []llms.Tool{toolDef("get_weather")}
	e := agent.NewEngine(model, exec, agent.WithTools(defs))
	assert.Equal(t, defs, e.Tools())

	rec := &recorder{}
	conv := conversation("What is the weather in Rome?")
	res, err := e.Run(context.Background(), conv, rec.handle)
	require.NoError(t, err)

	assert.Equal(t, "It's sunny and 20°C in Rome.", res.Text())
	assert.Equal(t, 2, res.ModelCalls)
	require.Len(t, res.ToolCalls, 1)
	tc := res.ToolCalls[0]
	assert.Equal(t, "tc-0", tc.ID)
	assert.Equal(t, "get_weather", tc.Tool)
	assert.Equal(t, map[string]any{"city": "Rome"}, tc.Args)
	assert.Equal(t, map[string]any{"temperature": 20, "condition": "sunny"}, tc.Result)
	assert.False(t, tc.Failed())

	// the input conversation is not modified
	assert.Len(t, conv, 2)

	calls := model.Calls()
	require.Len(t, calls, 2)
	exp := append(conversation("What is the weather in Rome?"),
		llms.MessageFromParts(llms.RoleAssistant, call("tc-0", "get_weather", `{"city":"Rome"}`)),
		llms.MessageFromToolResponse(llms.ToolCallResponse{
			ToolCallID: "tc-0",
			Name:       "get_weather",
			Content:    `{"condition":"sunny","temperature":20}`,
		}),
	)
	if diff := cmp.Diff(exp, calls[1]); diff != "" {
		t.Errorf("unexpected conversation (-want +got):\n%s", diff)
	}
	assert.Len(t, res.Messages, 5)
	assert.Equal(t, llms.RoleAssistant, res.Messages[4].Role)

	// tools are declared on every call
	for _, o := range model.opts {
		assert.Equal(t, defs, o.Tools)
	}

	assert.Equal(t, []agent.EventType{agent.EventToolCall, agent.EventToolResult}, rec.types())
	assert.Equal(t, "tc-0", rec.events[0].ID)
	assert.Equal(t, map[string]any{"city": "Rome"}, rec.events[0].Args)
	assert.Equal(t, map[string]any{"temperature": 20, "condition": "sunny"}, rec.events[1].Payload)
}

func TestEngine_Batches(t *testing.T) {
	t.Parallel()

	exec := &funcExecutor{fn: func(_ context.Context, name string, _ map[string]any) (any, error) {
		return "ok " + name, nil
	}}

	for _, n := range []int{0, 1, 3} {
		var steps []step
		for i := 0; i < n; i++ {
			steps = append(steps, toolsResp(call("", "step", `{}`)))
		}
		steps = append(steps, textResp("done"))

		model := newScriptedModel(steps...)
		res, err := agent.NewEngine(model, exec).Run(context.Background(), conversation("go"), nil)
		require.NoError(t, err)
		assert.Equal(t, n+1, res.ModelCalls)
		assert.Len(t, model.Calls(), n+1)
		assert.Len(t, res.ToolCalls, n)
		assert.Equal(t, "done", res.Text())

		// identifiers keep counting across batches of one run
		for i, tc := range res.ToolCalls {
			assert.Equal(t, "tc-"+string(rune('0'+i)), tc.ID)
		}
	}
}

func TestEngine_MixedFailures(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	exec := mocktools.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().CallTool(gomock.Any(), "a", map[string]any{"n": float64(1)}).Return("A", nil),
		exec.EXPECT().CallTool(gomock.Any(), "b", map[string]any{}).Return(nil, errors.New("b is down")),
		exec.EXPECT().CallTool(gomock.Any(), "c", map[string]any{}).Return([]any{"C"}, nil),
	)

	model := newScriptedModel(
		toolsResp(
			call("call_a", "a", `{"n":1}`),
			call("call_b", "b", ``),
			call("call_x", "x", `not json`),
			call("call_c", "c", `null`),
		),
		textResp("partial answer"),
	)

	rec := &recorder{}
	res, err := agent.NewEngine(model, exec).Run(context.Background(), conversation("abc"), rec.handle)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ModelCalls)

	require.Len(t, res.ToolCalls, 4)
	assert.Equal(t, "A", res.ToolCalls[0].Result)
	assert.Equal(t, "b is down", res.ToolCalls[1].Error)
	assert.Contains(t, res.ToolCalls[2].Error, "invalid tool arguments")
	assert.Equal(t, map[string]any{}, res.ToolCalls[2].Args)
	assert.Equal(t, []any{"C"}, res.ToolCalls[3].Result)

	// every request yields exactly one tool message, in request order
	second := model.Calls()[1]
	require.Len(t, second, 2+1+4)
	var ids []string
	var contents []string
	for _, m := range second[3:] {
		require.Equal(t, llms.RoleTool, m.Role)
		require.Len(t, m.Parts, 1)
		tr := m.Parts[0].(llms.ToolCallResponse)
		ids = append(ids, tr.ToolCallID)
		contents = append(contents, tr.Content)
	}
	assert.Equal(t, []string{"call_a", "call_b", "call_x", "call_c"}, ids)
	assert.Equal(t, "A", contents[0])
	assert.Equal(t, `{"error":"b is down"}`, contents[1])
	assert.Contains(t, contents[2], `{"error":"invalid tool arguments`)
	assert.Equal(t, `["C"]`, contents[3])

	assert.Equal(t, []agent.EventType{
		agent.EventToolCall, agent.EventToolResult,
		agent.EventToolCall, agent.EventToolError,
		agent.EventToolCall, agent.EventToolError,
		agent.EventToolCall, agent.EventToolResult,
	}, rec.types())

	payload, ok := rec.events[3].Payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"error":"b is down"}`, string(payload))
}

func TestEngine_ToolPanic(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{false, true} {
		exec := &funcExecutor{fn: func(_ context.Context, name string, _ map[string]any) (any, error) {
			if name == "explode" {
				panic("boom")
			}
			return "fine", nil
		}}
		model := newScriptedModel(
			toolsResp(call("1", "explode", `{}`), call("2", "calm", `{}`)),
			textResp("recovered"),
		)

		res, err := agent.NewEngine(model, exec, agent.WithParallelTools(parallel)).
			Run(context.Background(), conversation("q"), nil)
		require.NoError(t, err)
		assert.Equal(t, "recovered", res.Text())
		require.Len(t, res.ToolCalls, 2)
		assert.Equal(t, "tool explode panicked: boom", res.ToolCalls[0].Error)
		assert.Equal(t, "fine", res.ToolCalls[1].Result)

		tr := model.Calls()[1][3].Parts[0].(llms.ToolCallResponse)
		assert.Equal(t, `{"error":"tool explode panicked: boom"}`, tr.Content)
	}
}

func TestEngine_CallIDs(t *testing.T) {
	t.Parallel()

	exec := &funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		return nil, nil
	}}
	model := newScriptedModel(
		toolsResp(call("dup", "a", `{}`), call("dup", "b", `{}`), call("", "c", `{}`)),
		toolsResp(call("dup", "d", `{}`)),
		textResp("ok"),
	)

	res, err := agent.NewEngine(model, exec).Run(context.Background(), conversation("ids"), nil)
	require.NoError(t, err)

	var ids []string
	for _, tc := range res.ToolCalls {
		ids = append(ids, tc.ID)
	}
	assert.Equal(t, []string{"dup", "tc-1", "tc-2", "tc-3"}, ids)

	// the assistant messages carry the assigned identifiers
	calls := model.Calls()
	var requested []string
	for _, m := range calls[2] {
		for _, tc := range m.ToolCalls() {
			requested = append(requested, tc.ID)
		}
	}
	assert.Equal(t, ids, requested)

	// a nil result is sent as JSON null
	last := calls[2][len(calls[2])-1].Parts[0].(llms.ToolCallResponse)
	assert.Equal(t, "tc-3", last.ToolCallID)
	assert.Equal(t, "null", last.Content)
}

func TestEngine_ModelError(t *testing.T) {
	t.Parallel()

	errUnavailable := errors.New("model unavailable")
	exec := &funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		return "ok", nil
	}}

	model := newScriptedModel(
		toolsResp(call("", "a", `{}`)),
		errResp(errUnavailable),
	)
	rec := &recorder{}
	res, err := agent.NewEngine(model, exec).Run(context.Background(), conversation("fail"), rec.handle)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, errUnavailable))
	assert.Equal(t, "failed to generate content from LLM: model unavailable", err.Error())
	assert.Equal(t, []string{"a"}, exec.Names())
	assert.Equal(t, []agent.EventType{agent.EventToolCall, agent.EventToolResult}, rec.types())

	model = newScriptedModel(step{resp: &llms.ContentResponse{}})
	_, err = agent.NewEngine(model, exec).Run(context.Background(), conversation("empty"), nil)
	assert.True(t, errors.Is(err, llms.ErrEmptyResponse))
}

func TestEngine_MaxIterations(t *testing.T) {
	t.Parallel()

	exec := &funcExecutor{fn: func(context.Context, string, map[string]any) (any, error) {
		return "again", nil
	}}
	model := newScriptedModel(
		toolsResp(call("", "loop", `{}`)),
		toolsResp(call("", "loop", `{}`)),
		toolsResp(call("", "loop", `{}`)),
	)

	_, err := agent.NewEngine(model, exec, agent.WithMaxIterations(2)).Run(context.Background(), conversation("loop"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrMaxIterations))
	assert.Len(t, model.Calls(), 2)
}

func TestEngine_Parallel(t *testing.T) {
	t.Parallel()

	exec := &funcExecutor{fn: sleepy}
	batch := toolsResp(
		call("", "slow", `{"ms":60}`),
		call("", "fail", `{"ms":30}`),
		call("", "fast", `{"ms":1}`),
	)

	var sequential, parallel []llms.Message
	for _, par := range []bool{false, true} {
		model := newScriptedModel(batch, textResp("done"))
		rec := &recorder{}
		res, err := agent.NewEngine(model, exec, agent.WithParallelTools(par)).
			Run(context.Background(), conversation("race"), rec.handle)
		require.NoError(t, err)

		var tools []string
		for _, tc := range res.ToolCalls {
			tools = append(tools, tc.Tool)
		}
		assert.Equal(t, []string{"slow", "fail", "fast"}, tools)

		if par {
			parallel = model.Calls()[1]
			// all calls are announced before the results
			assert.Equal(t, []agent.EventType{
				agent.EventToolCall, agent.EventToolCall, agent.EventToolCall,
				agent.EventToolResult, agent.EventToolError, agent.EventToolResult,
			}, rec.types())
		} else {
			sequential = model.Calls()[1]
			assert.Equal(t, []agent.EventType{
				agent.EventToolCall, agent.EventToolResult,
				agent.EventToolCall, agent.EventToolError,
				agent.EventToolCall, agent.EventToolResult,
			}, rec.types())
		}
	}

	// same tool messages in the same order
	if diff := cmp.Diff(sequential, parallel); diff != "" {
		t.Errorf("parallel run differs (-sequential +parallel):\n%s", diff)
	}
}

func TestEngine_Replay(t *testing.T) {
	t.Parallel()

	exec := &funcExecutor{fn: func(_ context.Context, name string, args map[string]any) (any, error) {
		return map[string]any{"tool": name, "args": args}, nil
	}}

	run := func() []llms.Message {
		model := newScriptedModel(
			toolsResp(call("", "a", `{"x":1}`), call("", "b", `{"y":"z"}`)),
			toolsResp(call("", "c", `{}`)),
			textResp("done"),
		)
		res, err := agent.NewEngine(model, exec).Run(context.Background(), conversation("replay"), nil)
		require.NoError(t, err)
		return res.Messages
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("replay differs (-first +second):\n%s", diff)
	}
}

func TestEngine_Canceled(t *testing.T) {
	t.Parallel()

	model := newScriptedModel(textResp("never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := agent.NewEngine(model, &funcExecutor{}).Run(ctx, conversation("cancel"), nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, model.Calls())
}

func TestErrorPayload(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `{"error":"boom"}`, agent.ErrorPayload("boom"))
	assert.JSONEq(t, `{"error":"say \"hi\""}`, agent.ErrorPayload(`say "hi"`))
}
