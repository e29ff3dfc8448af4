// Package config provides the configuration of the mcpagent service
package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/auth"
	"github.com/effective-security/mcpagent/pkg/llmfactory"
	"github.com/effective-security/mcpagent/pkg/prompts"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Defaults
const (
	DefaultMaxHistory      = 10
	DefaultAgentTimeout    = 60 * time.Second
	DefaultMCPTimeout      = 60 * time.Second
	DefaultCitationBaseURL = "http://127.0.0.1:8008/"
	DefaultListenURL       = ":8080"
	DefaultRedisPrefix     = "mcpagent"
)

// Config of the service
type Config struct {
	LLM    llmfactory.Config `json:"llm" yaml:"llm"`
	MCP    MCP               `json:"mcp" yaml:"mcp"`
	Auth   auth.Config       `json:"auth" yaml:"auth"`
	Agent  Agent             `json:"agent" yaml:"agent"`
	Server Server            `json:"server" yaml:"server"`
	Redis  *Redis            `json:"redis,omitempty" yaml:"redis,omitempty"`
	Tavily *Tavily           `json:"tavily,omitempty" yaml:"tavily,omitempty"`
}

// MCP specifies the tool servers
type MCP struct {
	// Namespace exposes the tools as "<server><separator><tool>"
	Namespace bool `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	// Separator joins the namespaced names, "__" by default
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`
	// Timeout is the default timeout of a request, e.g. "60s"
	Timeout string       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Servers []*MCPServer `json:"servers" yaml:"servers" validate:"dive"`
}

// MCPServer is a tool server reachable over streamable HTTP
type MCPServer struct {
	Name    string            `json:"name" yaml:"name" validate:"required"`
	URL     string            `json:"url" yaml:"url" validate:"required,url"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Agent specifies the tool loop
type Agent struct {
	// MaxHistory is the number of history entries sent to the model
	MaxHistory int `json:"max_history,omitempty" yaml:"max_history,omitempty" validate:"gte=0"`
	// ExcludeLast drops the last history entry, when it repeats the question
	ExcludeLast *bool `json:"exclude_last,omitempty" yaml:"exclude_last,omitempty"`
	// Timeout of a turn, e.g. "60s"
	Timeout  string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	// Model is the preferred model, the default model of the default provider is used if empty
	Model         string `json:"model,omitempty" yaml:"model,omitempty"`
	ParallelTools bool   `json:"parallel_tools,omitempty" yaml:"parallel_tools,omitempty"`
	// MaxIterations limits the model calls of a turn, 0 means unlimited
	MaxIterations int  `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" validate:"gte=0"`
	EventBuffer   int  `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty" validate:"gte=0"`
	Citations     bool `json:"citations,omitempty" yaml:"citations,omitempty"`
	// CitationBaseURL is the base of the page image links
	CitationBaseURL string `json:"citation_base_url,omitempty" yaml:"citation_base_url,omitempty" validate:"omitempty,url"`
	// PromptTemplate is the file of the system prompt template,
	// .j2 and .jinja files are rendered as Jinja templates.
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
}

// Server specifies the HTTP API
type Server struct {
	ListenURL string `json:"listen_url,omitempty" yaml:"listen_url,omitempty"`
}

// Redis specifies the history store
type Redis struct {
	URL    string `json:"url" yaml:"url" validate:"required"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// Tavily specifies the web search tool
type Tavily struct {
	APIKey string `json:"api_key" yaml:"api_key"`
}

// Load returns the configuration from the file
func Load(file string) (*Config, error) {
	cfg := new(Config)
	if file != "" {
		if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
			return nil, errors.WithMessagef(err, "failed to load config %s", file)
		}
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults sets the defaults of the values not specified
func (c *Config) SetDefaults() {
	if c.Agent.MaxHistory == 0 {
		c.Agent.MaxHistory = DefaultMaxHistory
	}
	if c.Agent.ExcludeLast == nil {
		v := true
		c.Agent.ExcludeLast = &v
	}
	if c.Agent.Timeout == "" {
		c.Agent.Timeout = DefaultAgentTimeout.String()
	}
	if c.Agent.Timezone == "" {
		c.Agent.Timezone = prompts.DefaultTimezone
	}
	if c.Agent.CitationBaseURL == "" {
		c.Agent.CitationBaseURL = DefaultCitationBaseURL
	}
	if c.MCP.Timeout == "" {
		c.MCP.Timeout = DefaultMCPTimeout.String()
	}
	if c.Server.ListenURL == "" {
		c.Server.ListenURL = DefaultListenURL
	}
	if c.Redis != nil && c.Redis.Prefix == "" {
		c.Redis.Prefix = DefaultRedisPrefix
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeNone
	}
}

// Validate returns an error if the configuration is invalid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.WithMessage(err, "invalid configuration")
	}

	if _, err := ParseDuration(c.Agent.Timeout, DefaultAgentTimeout); err != nil {
		return errors.WithMessage(err, "invalid agent timeout")
	}
	if _, err := ParseDuration(c.MCP.Timeout, DefaultMCPTimeout); err != nil {
		return errors.WithMessage(err, "invalid mcp timeout")
	}

	names := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if names[s.Name] {
			return errors.Newf("duplicate mcp server: %s", s.Name)
		}
		names[s.Name] = true

		if _, err := ParseDuration(s.Timeout, DefaultMCPTimeout); err != nil {
			return errors.WithMessagef(err, "invalid timeout of mcp server %s", s.Name)
		}
	}

	if _, err := prompts.LoadLocation(c.Agent.Timezone); err != nil {
		return err
	}
	return nil
}

// AgentTimeout returns the timeout of a turn
func (c *Config) AgentTimeout() time.Duration {
	d, _ := ParseDuration(c.Agent.Timeout, DefaultAgentTimeout)
	return d
}

// ServerTimeout returns the request timeout of the tool server
func (c *Config) ServerTimeout(s *MCPServer) time.Duration {
	def, _ := ParseDuration(c.MCP.Timeout, DefaultMCPTimeout)
	d, _ := ParseDuration(s.Timeout, def)
	return d
}

// ParseDuration parses s, or returns def if s is empty
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, errors.WithStack(err)
	}
	if d < 0 {
		return def, errors.Newf("negative duration: %s", s)
	}
	return d, nil
}
