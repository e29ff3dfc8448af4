package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
	"github.com/tidwall/sjson"
)

// ErrMaxIterations is returned when the model keeps requesting tools
// beyond the configured number of model calls.
var ErrMaxIterations = errors.New("maximum number of model calls exceeded")

// ToolCallRecord is the audit record of one executed tool call
type ToolCallRecord struct {
	ID     string         `json:"id" yaml:"id"`
	Tool   string         `json:"tool" yaml:"tool"`
	Args   map[string]any `json:"args" yaml:"args"`
	Result any            `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string         `json:"error,omitempty" yaml:"error,omitempty"`

	Duration time.Duration `json:"-" yaml:"-"`
}

// Failed returns true if the tool call failed
func (r *ToolCallRecord) Failed() bool {
	return r.Error != ""
}

// RunResult is the outcome of Engine.Run
type RunResult struct {
	// Answer is the last assistant message, without tool calls
	Answer llms.Message
	// ToolCalls is the audit trail in execution order
	ToolCalls []ToolCallRecord
	// Messages is the full conversation, including the answer
	Messages []llms.Message
	// ModelCalls is the number of model invocations
	ModelCalls int
}

// Text returns the answer text
func (r *RunResult) Text() string {
	return r.Answer.Text()
}

// Engine runs the tool-calling loop.
// An Engine is safe for concurrent use, each Run owns its conversation.
type Engine struct {
	model         llms.Model
	executor      tools.Executor
	tools         []llms.Tool
	callOpts      []llms.CallOption
	parallel      bool
	maxIterations int
}

// EngineOption configures the Engine
type EngineOption func(*Engine)

// WithTools sets the tool declarations passed to the model
func WithTools(list []llms.Tool) EngineOption {
	return func(e *Engine) {
		e.tools = list
	}
}

// WithCallOptions sets additional options for the model calls
func WithCallOptions(opts ...llms.CallOption) EngineOption {
	return func(e *Engine) {
		e.callOpts = append(e.callOpts, opts...)
	}
}

// WithParallelTools executes the tool calls of one batch concurrently.
// The results are still appended in the order the model requested them.
func WithParallelTools(parallel bool) EngineOption {
	return func(e *Engine) {
		e.parallel = parallel
	}
}

// WithMaxIterations limits the number of model calls per run,
// zero means no limit.
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		e.maxIterations = n
	}
}

// NewEngine returns a new Engine
func NewEngine(model llms.Model, executor tools.Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		model:    model,
		executor: executor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tools returns the tool declarations passed to the model
func (e *Engine) Tools() []llms.Tool {
	return e.tools
}

// Run executes the loop over the conversation until the model returns
// an answer without tool calls. The handler, if provided, is invoked
// for each tool event as it happens.
// Tool failures are returned to the model as error payloads,
// a model failure ends the run with an error.
func (e *Engine) Run(ctx context.Context, conversation []llms.Message, handler EventHandler) (*RunResult, error) {
	started := time.Now()
	modelName := e.model.GetName()
	defer metricskey.PerfAgentRun.MeasureSince(started, modelName)

	res, err := e.run(ctx, conversation, handler)
	if err != nil {
		metricskey.StatsAgentRunsFailed.IncrCounter(1, modelName)
		logger.ContextKV(ctx, xlog.ERROR,
			"model", modelName,
			"err", err.Error(),
		)
		return nil, err
	}
	metricskey.StatsAgentRunsSucceeded.IncrCounter(1, modelName)

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "completed",
		"model", modelName,
		"model_calls", res.ModelCalls,
		"tool_calls", len(res.ToolCalls),
		"elapsed", time.Since(started).String(),
	)
	return res, nil
}

func (e *Engine) run(ctx context.Context, conversation []llms.Message, handler EventHandler) (*RunResult, error) {
	messages := make([]llms.Message, len(conversation), len(conversation)+8)
	copy(messages, conversation)

	callOpts := make([]llms.CallOption, 0, len(e.callOpts)+1)
	callOpts = append(callOpts, e.callOpts...)
	if len(e.tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(e.tools))
	}

	ids := newCallIDs(messages)
	res := &RunResult{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}
		if e.maxIterations > 0 && res.ModelCalls >= e.maxIterations {
			return nil, errors.Wrapf(ErrMaxIterations, "limit %d", e.maxIterations)
		}

		msg, err := e.generate(ctx, messages, callOpts)
		res.ModelCalls++
		if err != nil {
			return nil, err
		}

		// identifiers are assigned before the message joins the conversation
		calls := ids.assign(&msg)
		messages = append(messages, msg)

		if len(calls) == 0 {
			res.Answer = msg
			res.Messages = messages
			return res, nil
		}

		logger.ContextKV(ctx, xlog.DEBUG,
			"status", "tool_calls",
			"iteration", res.ModelCalls,
			"tools", toolNames(calls),
		)

		records := e.execute(ctx, calls, handler)
		for _, rec := range records {
			messages = append(messages, toolMessage(&rec))
		}
		res.ToolCalls = append(res.ToolCalls, records...)
	}
}

// generate invokes the model and normalizes the response into one assistant message
func (e *Engine) generate(ctx context.Context, messages []llms.Message, callOpts []llms.CallOption) (llms.Message, error) {
	modelName := e.model.GetName()
	bytesSent := llmutils.CountMessagesContentSize(messages)
	metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messages)), modelName)
	metricskey.StatsLLMBytesSent.IncrCounter(float64(bytesSent), modelName)

	started := time.Now()
	resp, err := e.model.GenerateContent(ctx, messages, callOpts...)
	metricskey.PerfLLMCall.MeasureSince(started, modelName)
	if err != nil {
		metricskey.StatsLLMCallsFailed.IncrCounter(1, modelName)
		return llms.Message{}, errors.Wrap(err, "failed to generate content from LLM")
	}

	metricskey.StatsLLMBytesReceived.IncrCounter(float64(llmutils.CountResponseContentSize(resp)), modelName)
	tokensIn, tokensOut, _ := llmutils.CountTokens(resp)
	metricskey.StatsLLMInputTokens.IncrCounter(float64(tokensIn), modelName)
	metricskey.StatsLLMOutputTokens.IncrCounter(float64(tokensOut), modelName)

	msg, err := llms.AssistantMessage(resp)
	if err != nil {
		metricskey.StatsLLMCallsFailed.IncrCounter(1, modelName)
		return llms.Message{}, err
	}
	return msg, nil
}

// execute runs one batch of tool calls and returns the records in request order
func (e *Engine) execute(ctx context.Context, calls []llms.ToolCall, handler EventHandler) []ToolCallRecord {
	pending := make([]*ToolCallRecord, len(calls))
	errs := make([]error, len(calls))
	for i, call := range calls {
		args, err := llmutils.ParseArguments(call.Arguments())
		if err != nil {
			err = errors.WithMessage(err, "invalid tool arguments")
			args = map[string]any{}
		}
		pending[i] = &ToolCallRecord{ID: call.ID, Tool: call.Name(), Args: args}
		errs[i] = err
	}

	records := make([]ToolCallRecord, 0, len(calls))
	if !e.parallel || len(calls) == 1 {
		for i, rec := range pending {
			handler.emit(ctx, toolCallEvent(rec))
			e.invoke(ctx, rec, errs[i])
			handler.emit(ctx, toolOutcomeEvent(rec))
			records = append(records, *rec)
		}
		return records
	}

	for _, rec := range pending {
		handler.emit(ctx, toolCallEvent(rec))
	}
	var wg sync.WaitGroup
	for i, rec := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.invoke(ctx, rec, errs[i])
		}()
	}
	wg.Wait()

	for _, rec := range pending {
		handler.emit(ctx, toolOutcomeEvent(rec))
		records = append(records, *rec)
	}
	return records
}

// invoke calls the tool and fills the outcome in the record,
// argErr is the error from parsing the arguments.
func (e *Engine) invoke(ctx context.Context, rec *ToolCallRecord, argErr error) {
	started := time.Now()

	var result any
	err := argErr
	if err == nil {
		if rec.Tool == "" {
			err = errors.New("tool name is missing")
		} else {
			result, err = e.callTool(ctx, rec)
		}
	}
	rec.Duration = time.Since(started)
	metricskey.PerfToolCall.MeasureSince(started, rec.Tool)

	if err != nil {
		rec.Error = err.Error()
		metricskey.StatsToolCallsFailed.IncrCounter(1, rec.Tool)
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "tool_failed",
			"tool", rec.Tool,
			"id", rec.ID,
			"err", slices.StringUpto(rec.Error, 256),
		)
		return
	}

	rec.Result = result
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, rec.Tool)
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_called",
		"tool", rec.Tool,
		"id", rec.ID,
		"elapsed", rec.Duration.String(),
	)
}

// callTool executes the tool, a panic is returned as the error of the call
func (e *Engine) callTool(ctx context.Context, rec *ToolCallRecord) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("tool %s panicked: %v", rec.Tool, r)
		}
	}()
	return e.executor.CallTool(ctx, rec.Tool, rec.Args)
}

// ErrorPayload returns the JSON object sent to the model for a failed tool call
func ErrorPayload(msg string) string {
	payload, err := sjson.Set("{}", "error", msg)
	if err != nil {
		// unreachable for a string value
		return `{"error":"tool call failed"}`
	}
	return payload
}

func toolMessage(rec *ToolCallRecord) llms.Message {
	content := ErrorPayload(rec.Error)
	if !rec.Failed() {
		content = llmutils.Stringify(rec.Result)
	}
	return llms.MessageFromToolResponse(llms.ToolCallResponse{
		ToolCallID: rec.ID,
		Name:       rec.Tool,
		Content:    content,
	})
}

func toolCallEvent(rec *ToolCallRecord) StreamEvent {
	return StreamEvent{
		Type: EventToolCall,
		Tool: rec.Tool,
		ID:   rec.ID,
		Args: rec.Args,
	}
}

func toolOutcomeEvent(rec *ToolCallRecord) StreamEvent {
	if rec.Failed() {
		return StreamEvent{
			Type:    EventToolError,
			Tool:    rec.Tool,
			ID:      rec.ID,
			Args:    rec.Args,
			Payload: json.RawMessage(ErrorPayload(rec.Error)),
		}
	}
	return StreamEvent{
		Type:    EventToolResult,
		Tool:    rec.Tool,
		ID:      rec.ID,
		Args:    rec.Args,
		Payload: rec.Result,
	}
}

func toolNames(calls []llms.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name()
	}
	return names
}

// callIDs assigns identifiers to tool calls within one run
type callIDs struct {
	count int
	used  map[string]bool
}

func newCallIDs(conversation []llms.Message) *callIDs {
	ids := &callIDs{used: map[string]bool{}}
	for _, m := range conversation {
		for _, tc := range m.ToolCalls() {
			if tc.ID != "" {
				ids.used[tc.ID] = true
			}
		}
	}
	return ids
}

// assign sets an identifier on every tool call of the message that
// lacks one or repeats one already used, and returns the tool calls.
func (ids *callIDs) assign(msg *llms.Message) []llms.ToolCall {
	var calls []llms.ToolCall
	for i, p := range msg.Parts {
		tc, ok := p.(llms.ToolCall)
		if !ok {
			continue
		}
		if tc.ID == "" || ids.used[tc.ID] {
			tc.ID = ids.next()
			msg.Parts[i] = tc
		}
		if tc.Type == "" {
			tc.Type = "function"
			msg.Parts[i] = tc
		}
		ids.used[tc.ID] = true
		ids.count++
		calls = append(calls, tc)
	}
	return calls
}

func (ids *callIDs) next() string {
	n := ids.count
	for {
		id := fmt.Sprintf("tc-%d", n)
		if !ids.used[id] {
			return id
		}
		n++
	}
}
