package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/citations"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// Defaults
const (
	DefaultMaxHistory = 10
	DefaultTimeout    = 5 * time.Minute
)

// Answer is the outcome of a turn
type Answer struct {
	Text      string               `json:"answer" yaml:"answer"`
	ToolCalls []ToolCallRecord     `json:"tool_calls" yaml:"tool_calls"`
	Citations []citations.Citation `json:"citations,omitempty" yaml:"citations,omitempty"`
	Metadata  map[string]any       `json:"metadata" yaml:"metadata"`
	// ModelCalls is the number of model invocations in the turn
	ModelCalls int `json:"model_calls" yaml:"model_calls"`
}

// Agent answers questions with a model and the tools discovered
// from the executor.
type Agent struct {
	model    llms.Model
	executor tools.Executor

	prompt    *prompts.SystemPrompt
	build     BuildOptions
	timeout   time.Duration
	engine    []EngineOption
	buffer    int
	citations *citations.Builder
	callback  EventHandler

	lock  sync.RWMutex
	tools []llms.Tool
}

// Option configures the Agent
type Option func(*Agent)

// WithSystemPrompt sets the system prompt template
func WithSystemPrompt(p *prompts.SystemPrompt) Option {
	return func(a *Agent) {
		a.prompt = p
	}
}

// WithHistory sets the history window
func WithHistory(opts BuildOptions) Option {
	return func(a *Agent) {
		a.build = opts
	}
}

// WithTimeout sets the timeout of a turn, zero disables it
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.timeout = d
	}
}

// WithEngineOptions sets the options of the tool loop
func WithEngineOptions(opts ...EngineOption) Option {
	return func(a *Agent) {
		a.engine = append(a.engine, opts...)
	}
}

// WithStreamBuffer sets the capacity of the event queue of Stream
func WithStreamBuffer(n int) Option {
	return func(a *Agent) {
		a.buffer = n
	}
}

// WithCitations enables citations in the answer metadata
func WithCitations(b *citations.Builder) Option {
	return func(a *Agent) {
		a.citations = b
	}
}

// WithCallback sets the handler invoked for the tool events of every turn
func WithCallback(h EventHandler) Option {
	return func(a *Agent) {
		a.callback = h
	}
}

// New returns an Agent and discovers the tools of the executor
func New(ctx context.Context, model llms.Model, executor tools.Executor, opts ...Option) (*Agent, error) {
	a := &Agent{
		model:    model,
		executor: executor,
		build: BuildOptions{
			MaxHistory:  DefaultMaxHistory,
			ExcludeLast: true,
		},
		timeout: DefaultTimeout,
		buffer:  DefaultEventBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.prompt == nil {
		p, err := prompts.New(prompts.DefaultSystemPrompt)
		if err != nil {
			return nil, err
		}
		a.prompt = p
	}

	if err := a.Refresh(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Refresh discovers the tools of the executor
func (a *Agent) Refresh(ctx context.Context) error {
	list, err := a.executor.ListTools(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to discover tools")
	}

	prov := a.model.GetProviderType()
	if len(list) > 0 && !prov.Supports(llms.CapabilityFunctionCalling) {
		return errors.Newf("model %s does not support function calling", a.model.GetName())
	}
	if len(list) == 0 {
		logger.ContextKV(ctx, xlog.WARNING, "reason", "no_tools_discovered")
	}

	a.lock.Lock()
	a.tools = list
	a.lock.Unlock()

	logger.ContextKV(ctx, xlog.INFO,
		"status", "tools_discovered",
		"model", a.model.GetName(),
		"tools", tools.Names(list),
	)
	return nil
}

// Tools returns the discovered tools
func (a *Agent) Tools() []llms.Tool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.tools
}

// Model returns the model
func (a *Agent) Model() llms.Model {
	return a.model
}

// Messages returns the conversation that starts a turn
func (a *Agent) Messages(question string, history []chatmodel.HistoryEntry) ([]llms.Message, error) {
	defs := a.Tools()
	infos := make([]prompts.ToolInfo, 0, len(defs))
	for _, t := range defs {
		if t.Function == nil {
			continue
		}
		infos = append(infos, prompts.ToolInfo{Name: t.Function.Name, Description: t.Function.Description})
	}

	sys, err := a.prompt.Render(infos)
	if err != nil {
		return nil, err
	}
	return BuildMessages(history, sys, question, a.build), nil
}

func (a *Agent) newEngine() *Engine {
	opts := append([]EngineOption{WithTools(a.Tools())}, a.engine...)
	return NewEngine(a.model, a.executor, opts...)
}

// Answer runs a turn and returns the answer
func (a *Agent) Answer(ctx context.Context, question string, history []chatmodel.HistoryEntry) (*Answer, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := a.run(ctx, question, history, a.callback)
	if err != nil {
		return nil, err
	}

	ans := &Answer{
		Text:       res.Text(),
		ToolCalls:  res.ToolCalls,
		Metadata:   a.metadata(res),
		ModelCalls: res.ModelCalls,
	}
	if cl, ok := ans.Metadata["citations"].([]citations.Citation); ok {
		ans.Citations = cl
	}
	return ans, nil
}

// Stream runs a turn in the background and returns its events.
// The caller must consume the stream to the end or Close it.
func (a *Agent) Stream(ctx context.Context, question string, history []chatmodel.HistoryEntry) *EventStream {
	run := func(ctx context.Context, handler EventHandler) (*RunResult, error) {
		return a.run(ctx, question, history, Chain(a.callback, handler))
	}
	return NewEventStream(ctx, question, run,
		WithEventBuffer(a.buffer),
		WithStreamTimeout(a.timeout),
		WithMetadata(a.metadata),
	)
}

func (a *Agent) run(ctx context.Context, question string, history []chatmodel.HistoryEntry, handler EventHandler) (*RunResult, error) {
	messages, err := a.Messages(question, history)
	if err != nil {
		return nil, err
	}

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "turn_started",
		"question", slices.StringUpto(question, 64),
		"history", len(history),
		"messages", len(messages),
	)

	return a.newEngine().Run(ctx, messages, handler)
}

func (a *Agent) metadata(res *RunResult) map[string]any {
	md := DefaultMetadata(res)
	if a.citations != nil {
		results := make([]any, 0, len(res.ToolCalls))
		for _, rec := range res.ToolCalls {
			if !rec.Failed() {
				results = append(results, rec.Result)
			}
		}
		if cl := a.citations.Extract(results...); len(cl) > 0 {
			md["citations"] = cl
		}
	}
	return md
}
