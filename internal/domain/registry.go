package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Registry is the in-memory store of tool bindings and resources. It is safe
// for concurrent use; all lookups and mutations take the registry lock.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolBinding
	order     []string
	resources map[string]Resource
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]ToolBinding),
		resources: make(map[string]Resource),
	}
}

// SaveTools stores a batch of bindings, replacing any existing binding with
// the same tool name. Registration order is preserved for listings.
func (r *Registry) SaveTools(ctx context.Context, bindings []ToolBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bindings {
		if b.Tool.Name == "" {
			return fmt.Errorf("tool binding with empty name")
		}
		if _, exists := r.tools[b.Tool.Name]; !exists {
			r.order = append(r.order, b.Tool.Name)
		}
		r.tools[b.Tool.Name] = b
	}
	return nil
}

// ListTools returns tool definitions in registration order.
func (r *Registry) ListTools(ctx context.Context) []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Tool)
	}
	return out
}

// ToolNames returns all registered tool names, sorted.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// FindTool retrieves a binding by tool name.
func (r *Registry) FindTool(ctx context.Context, name string) (ToolBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.tools[name]
	if !ok {
		return ToolBinding{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return b, nil
}

// SaveResources stores resources keyed by URI.
func (r *Registry) SaveResources(ctx context.Context, resources []Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range resources {
		if res.URI == "" {
			return fmt.Errorf("resource with empty URI")
		}
		r.resources[res.URI] = res
	}
	return nil
}

// ListResources returns all resources sorted by URI.
func (r *Registry) ListResources(ctx context.Context) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// FindResource resolves a URI to a resource. Exact matches win; otherwise a
// registered URI ending in "{id}" matches when everything before the
// placeholder is a prefix of the requested URI and the remainder is a single
// segment, which is substituted into the upstream path.
func (r *Registry) FindResource(ctx context.Context, uri string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.resources[uri]; ok {
		return res, nil
	}
	for pattern, res := range r.resources {
		prefix, ok := strings.CutSuffix(pattern, "{id}")
		if !ok {
			continue
		}
		id, ok := strings.CutPrefix(uri, prefix)
		if !ok || id == "" || strings.Contains(id, "/") {
			continue
		}
		resolved := res
		resolved.URI = uri
		resolved.Details.HTTPPath = strings.ReplaceAll(res.Details.HTTPPath, "{id}", id)
		return resolved, nil
	}
	return Resource{}, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
}
