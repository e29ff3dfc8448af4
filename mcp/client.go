package mcp

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/auth"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
	"github.com/invopop/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "mcp")

// DefaultTimeout is the default timeout of a single MCP operation
const DefaultTimeout = 60 * time.Second

// ClientName is announced to the server on initialize
var ClientName = "mcpagent"

// ClientVersion is announced to the server on initialize
var ClientVersion = "v0.1.0"

// ErrToolFailed is returned when the server reports isError on a tool call
var ErrToolFailed = errors.New("tool reported an error")

// Client is the MCP client over the streamable HTTP transport.
// Each operation opens its own session, and every HTTP request
// carries a fresh bearer token from the token supplier.
type Client struct {
	name       string
	url        string
	tokens     auth.TokenSupplier
	httpClient *http.Client
	headers    map[string]string
	timeout    time.Duration
	impl       *mcpsdk.Client

	lock sync.RWMutex
	// wrapped tracks the tools with x-fastmcp-wrap-result output schema
	wrapped map[string]bool
}

// Option configures the Client
type Option func(*Client)

// WithName sets the backend name used in logs
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithTokenSupplier sets the bearer token supplier
func WithTokenSupplier(ts auth.TokenSupplier) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithHTTPClient sets the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the timeout of a single operation
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHeaders sets static headers sent on every request
func WithHeaders(headers map[string]string) Option {
	return func(c *Client) {
		maps.Copy(c.headers, headers)
	}
}

// NewClient returns a client for the MCP server at url
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		name:       "default",
		url:        url,
		tokens:     auth.None(),
		httpClient: http.DefaultClient,
		headers:    map[string]string{},
		timeout:    DefaultTimeout,
		wrapped:    map[string]bool{},
		impl: mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    ClientName,
			Version: ClientVersion,
		}, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend name
func (c *Client) Name() string {
	return c.name
}

// URL returns the server URL
func (c *Client) URL() string {
	return c.url
}

var _ tools.Executor = (*Client)(nil)

// ListTools returns the tools declared by the server,
// following the pagination cursor until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]llms.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close(session)

	var list []llms.Tool
	wrapped := map[string]bool{}
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to list tools from %s", c.name)
		}
		list = append(list, c.toTool(ctx, t))
		if wrapsResult(t) {
			wrapped[t.Name] = true
		}
	}

	c.lock.Lock()
	c.wrapped = wrapped
	c.lock.Unlock()

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tools_listed",
		"backend", c.name,
		"tools", tools.Names(list),
	)
	return list, nil
}

// CallTool invokes the tool and returns the normalized result
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close(session)

	if args == nil {
		args = map[string]any{}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to call tool %s", name)
	}

	c.lock.RLock()
	wrap := c.wrapped[name]
	c.lock.RUnlock()

	return NormalizeResult(res, wrap)
}

// connect opens a new session, the SDK runs the initialize handshake
func (c *Client) connect(ctx context.Context) (*mcpsdk.ClientSession, error) {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:   c.url,
		HTTPClient: c.authorizedClient(),
	}
	session, err := c.impl.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to %s", c.name)
	}
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "session_opened",
		"backend", c.name,
	)
	return session, nil
}

func (c *Client) close(session *mcpsdk.ClientSession) {
	if err := session.Close(); err != nil {
		logger.KV(xlog.DEBUG,
			"reason", "session_close",
			"backend", c.name,
			"err", err.Error(),
		)
	}
}

// authorizedClient returns a copy of the HTTP client
// that adds the headers and the bearer token to every request
func (c *Client) authorizedClient() *http.Client {
	hc := *c.httpClient
	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = &authTransport{
		base:    base,
		tokens:  c.tokens,
		headers: c.headers,
	}
	return &hc
}

type authTransport struct {
	base    http.RoundTripper
	tokens  auth.TokenSupplier
	headers map[string]string
}

// RoundTrip implements http.RoundTripper
func (t *authTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	token, err := t.tokens(r.Context())
	if err != nil {
		if r.Body != nil {
			_ = r.Body.Close()
		}
		return nil, errors.WithMessage(err, "failed to obtain access token")
	}

	r = r.Clone(r.Context())
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(r)
}

func (c *Client) toTool(ctx context.Context, t *mcpsdk.Tool) llms.Tool {
	params, err := inputSchema(t)
	if err != nil {
		logger.ContextKV(ctx, xlog.WARNING,
			"reason", "invalid_input_schema",
			"backend", c.name,
			"tool", t.Name,
			"err", err.Error(),
		)
		params = schema.Empty()
	}
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

func inputSchema(t *mcpsdk.Tool) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return schema.FromJSON(raw)
}

func wrapsResult(t *mcpsdk.Tool) bool {
	if t.OutputSchema == nil {
		return false
	}
	raw, err := json.Marshal(t.OutputSchema)
	if err != nil {
		return false
	}
	return gjson.GetBytes(raw, "x-fastmcp-wrap-result").Bool()
}
