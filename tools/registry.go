package tools

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "tools")

// Registry combines local tools and remote executors into one Executor.
// Tool names must be unique across all sources.
type Registry struct {
	lock      sync.RWMutex
	local     map[string]ITool
	order     []string
	executors []Executor
	// routes is built by ListTools
	routes map[string]Executor
}

var _ Executor = (*Registry)(nil)

// NewRegistry returns Registry with the local tools
func NewRegistry(list ...ITool) (*Registry, error) {
	r := &Registry{
		local: make(map[string]ITool),
	}
	if err := r.Register(list...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register adds local tools
func (r *Registry) Register(list ...ITool) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, t := range list {
		name := t.Name()
		if _, ok := r.local[name]; ok {
			return errors.Wrapf(ErrDuplicateTool, "%s", name)
		}
		r.local[name] = t
		r.order = append(r.order, name)
	}
	return nil
}

// AddExecutor adds a remote tool source
func (r *Registry) AddExecutor(e ...Executor) *Registry {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.executors = append(r.executors, e...)
	r.routes = nil
	return r
}

// ListTools returns local tools followed by the tools of each executor
func (r *Registry) ListTools(ctx context.Context) ([]llms.Tool, error) {
	r.lock.RLock()
	executors := r.executors
	var list []llms.Tool
	for _, name := range r.order {
		list = append(list, Definition(r.local[name]))
	}
	r.lock.RUnlock()

	seen := make(map[string]bool, len(list))
	for _, t := range list {
		seen[t.Name()] = true
	}

	routes := make(map[string]Executor)
	for _, e := range executors {
		remote, err := e.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range remote {
			name := t.Name()
			if seen[name] {
				return nil, errors.Wrapf(ErrDuplicateTool, "%s", name)
			}
			seen[name] = true
			routes[name] = e
			list = append(list, t)
		}
	}

	r.lock.Lock()
	r.routes = routes
	r.lock.Unlock()

	logger.ContextKV(ctx, xlog.DEBUG, "status", "tools_listed", "count", len(list))
	return list, nil
}

// CallTool invokes a local tool, or routes the call to the executor
// that declared the tool.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	r.lock.RLock()
	t := r.local[name]
	routes := r.routes
	hasRemote := len(r.executors) > 0
	r.lock.RUnlock()

	if t != nil {
		return callLocal(ctx, t, args)
	}

	if routes == nil && hasRemote {
		if _, err := r.ListTools(ctx); err != nil {
			return nil, err
		}
		r.lock.RLock()
		routes = r.routes
		r.lock.RUnlock()
	}

	if e, ok := routes[name]; ok {
		return e.CallTool(ctx, name, args)
	}
	return nil, errors.Wrapf(ErrToolNotFound, "%s", name)
}

func callLocal(ctx context.Context, t ITool, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal arguments")
	}
	out, err := t.Call(ctx, string(input))
	if err != nil {
		return nil, err
	}
	var v any
	if json.Unmarshal([]byte(out), &v) == nil {
		return v, nil
	}
	return out, nil
}
