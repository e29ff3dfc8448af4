package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/auth"
	"github.com/effective-security/mcpagent/callbacks"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/mcp"
	"github.com/effective-security/mcpagent/pkg/citations"
	"github.com/effective-security/mcpagent/pkg/llmfactory"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/mcpagent/tools/tavily"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// newExecutor returns the registry of the local tools and the MCP servers
func newExecutor(cfg *config.Config) (*tools.Registry, error) {
	var local []tools.ITool
	if cfg.Tavily != nil {
		t, err := tavily.New(cfg.Tavily.APIKey)
		if err != nil {
			return nil, err
		}
		local = append(local, t)
	}

	reg, err := tools.NewRegistry(local...)
	if err != nil {
		return nil, err
	}

	if len(cfg.MCP.Servers) == 0 {
		return reg, nil
	}

	tokens, err := auth.FromConfig(&cfg.Auth, nil)
	if err != nil {
		return nil, err
	}

	backends := make([]*mcp.Backend, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		client := mcp.NewClient(s.URL,
			mcp.WithName(s.Name),
			mcp.WithTokenSupplier(tokens),
			mcp.WithTimeout(cfg.ServerTimeout(s)),
			mcp.WithHeaders(s.Headers),
		)
		backends = append(backends, &mcp.Backend{Name: s.Name, Executor: client})
	}
	reg.AddExecutor(mcp.NewAggregator(backends,
		mcp.WithNamespace(cfg.MCP.Namespace),
		mcp.WithSeparator(cfg.MCP.Separator),
	))
	return reg, nil
}

func newModel(cfg *config.Config) (llms.Model, error) {
	f := llmfactory.New(&cfg.LLM)
	if cfg.Agent.Model != "" {
		return f.ModelByName(cfg.Agent.Model)
	}
	return f.DefaultModel()
}

// newAgent returns the agent, the tools are discovered on creation
func newAgent(ctx context.Context, cfg *config.Config, executor tools.Executor) (*agent.Agent, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}

	loc, err := prompts.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		return nil, err
	}
	var prompt *prompts.SystemPrompt
	if cfg.Agent.PromptTemplate != "" {
		prompt, err = prompts.Load(cfg.Agent.PromptTemplate, prompts.WithLocation(loc))
	} else {
		prompt, err = prompts.New(prompts.DefaultSystemPrompt, prompts.WithLocation(loc))
	}
	if err != nil {
		return nil, err
	}

	excludeLast := true
	if cfg.Agent.ExcludeLast != nil {
		excludeLast = *cfg.Agent.ExcludeLast
	}

	opts := []agent.Option{
		agent.WithSystemPrompt(prompt),
		agent.WithHistory(agent.BuildOptions{
			MaxHistory:  cfg.Agent.MaxHistory,
			ExcludeLast: excludeLast,
		}),
		agent.WithTimeout(cfg.AgentTimeout()),
		agent.WithEngineOptions(
			agent.WithParallelTools(cfg.Agent.ParallelTools),
			agent.WithMaxIterations(cfg.Agent.MaxIterations),
		),
		agent.WithCallback(callbacks.Handler(callbacks.NewPackageLogger(logger))),
	}
	if cfg.Agent.EventBuffer > 0 {
		opts = append(opts, agent.WithStreamBuffer(cfg.Agent.EventBuffer))
	}
	if cfg.Agent.Citations {
		opts = append(opts, agent.WithCitations(citations.New(cfg.Agent.CitationBaseURL)))
	}

	a, err := agent.New(ctx, model, executor, opts...)
	if err != nil {
		return nil, err
	}

	logger.ContextKV(ctx, xlog.INFO,
		"status", "agent_created",
		"model", model.GetName(),
		"provider", model.GetProviderType(),
		"tools", len(a.Tools()),
	)
	return a, nil
}

// newStore returns the history store, redis when configured
func newStore(cfg *config.Config) (store.HistoryStore, func(), error) {
	if cfg.Redis == nil {
		return store.NewMemoryStore(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid redis url")
	}
	client := redis.NewClient(opts)
	closer := func() {
		_ = client.Close()
	}
	return store.NewRedisStore(client, cfg.Redis.Prefix), closer, nil
}
