package agent_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
)

// step is one scripted model response
type step struct {
	resp *llms.ContentResponse
	err  error
}

// scriptedModel returns the steps in order and records the conversations it receives
type scriptedModel struct {
	steps []step

	lock  sync.Mutex
	calls [][]llms.Message
	opts  []*llms.CallOptions
	// block, when set, makes the model wait for ctx cancellation
	block bool
}

func newScriptedModel(steps ...step) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) GetName() string {
	return "scripted"
}

func (m *scriptedModel) GetProviderType() llms.ProviderType {
	return llms.ProviderOpenAI
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.lock.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, slices.Clone(messages))
	m.opts = append(m.opts, llms.NewCallOptions(options...))
	block := m.block
	m.lock.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if idx >= len(m.steps) {
		return nil, errors.Newf("unexpected model call %d", idx)
	}
	return m.steps[idx].resp, m.steps[idx].err
}

func (m *scriptedModel) Calls() [][]llms.Message {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.calls
}

func textResp(text string) step {
	return step{resp: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}}
}

func toolsResp(calls ...llms.ToolCall) step {
	return step{resp: &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{StopReason: "tool_calls", ToolCalls: calls}},
	}}
}

func errResp(err error) step {
	return step{err: err}
}

func call(id, name, args string) llms.ToolCall {
	return llms.ToolCall{
		ID:   id,
		Type: "function",
		FunctionCall: &llms.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolDef(name string) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        name,
			Description: "tool " + name,
			Parameters:  schema.Empty(),
		},
	}
}

// funcExecutor is an executor backed by functions
type funcExecutor struct {
	tools []llms.Tool
	fn    func(ctx context.Context, name string, args map[string]any) (any, error)

	lock  sync.Mutex
	names []string
}

func (e *funcExecutor) ListTools(context.Context) ([]llms.Tool, error) {
	return e.tools, nil
}

func (e *funcExecutor) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	e.lock.Lock()
	e.names = append(e.names, name)
	e.lock.Unlock()
	return e.fn(ctx, name, args)
}

func (e *funcExecutor) Names() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return slices.Clone(e.names)
}

// sleepy returns the name of the tool after the delay in args["ms"]
func sleepy(ctx context.Context, name string, args map[string]any) (any, error) {
	ms, _ := args["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if name == "fail" {
		return nil, errors.New("failed on purpose")
	}
	return name, nil
}
