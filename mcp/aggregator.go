package mcp

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/tools"
	"github.com/effective-security/xlog"
)

// Backend is a named tool executor merged by the Aggregator
type Backend struct {
	// Name is used as a prefix when namespacing is enabled
	Name     string
	Executor tools.Executor
}

type route struct {
	backend *Backend
	name    string
}

// DefaultSeparator joins the backend and tool names.
// Model APIs accept function names matching ^[a-zA-Z0-9_-]+$.
const DefaultSeparator = "__"

// Aggregator merges the tools of several backends into one executor.
// With namespacing the tools are exposed as "<backend><separator><tool>".
type Aggregator struct {
	backends  []*Backend
	namespace bool
	separator string

	lock   sync.RWMutex
	routes map[string]route
}

var _ tools.Executor = (*Aggregator)(nil)

// AggregatorOption configures the Aggregator
type AggregatorOption func(*Aggregator)

// WithNamespace prefixes the tool names with the backend name
func WithNamespace(namespace bool) AggregatorOption {
	return func(a *Aggregator) {
		a.namespace = namespace
	}
}

// WithSeparator sets the separator of namespaced names
func WithSeparator(sep string) AggregatorOption {
	return func(a *Aggregator) {
		if sep != "" {
			a.separator = sep
		}
	}
}

// NewAggregator returns an aggregator over the backends
func NewAggregator(backends []*Backend, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		backends:  backends,
		separator: DefaultSeparator,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Backends returns the merged backends
func (a *Aggregator) Backends() []*Backend {
	return a.backends
}

// ListTools discovers the tools of all backends.
// A name exposed by more than one backend is an error.
func (a *Aggregator) ListTools(ctx context.Context) ([]llms.Tool, error) {
	var list []llms.Tool
	routes := map[string]route{}

	for _, b := range a.backends {
		bt, err := b.Executor.ListTools(ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %s", b.Name)
		}
		for _, t := range bt {
			exposed := t.Name()
			if a.namespace {
				exposed = b.Name + a.separator + exposed
			}
			if prev, ok := routes[exposed]; ok {
				return nil, errors.Wrapf(tools.ErrDuplicateTool, "%s: exposed by %s and %s", exposed, prev.backend.Name, b.Name)
			}
			routes[exposed] = route{backend: b, name: t.Name()}

			if t.Function != nil && exposed != t.Name() {
				fn := *t.Function
				fn.Name = exposed
				t.Function = &fn
			}
			list = append(list, t)
		}
	}

	a.lock.Lock()
	a.routes = routes
	a.lock.Unlock()

	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "aggregated",
		"backends", len(a.backends),
		"tools", len(list),
	)
	return list, nil
}

// CallTool routes the call to the backend that exposes the tool
func (a *Aggregator) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	a.lock.RLock()
	routes := a.routes
	a.lock.RUnlock()

	if routes == nil {
		if _, err := a.ListTools(ctx); err != nil {
			return nil, err
		}
		a.lock.RLock()
		routes = a.routes
		a.lock.RUnlock()
	}

	r, ok := routes[name]
	if !ok {
		return nil, errors.Wrap(tools.ErrToolNotFound, name)
	}
	return r.backend.Executor.CallTool(ctx, r.name, args)
}
