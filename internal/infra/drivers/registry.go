package drivers

import (
	"github.com/bryanwahyu/automaton-dashboard/internal/config"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Registry maps tool kinds to drivers.
type Registry struct {
	m map[domain.ToolKind]domain.Driver
}

func NewRegistry(ds ...domain.Driver) *Registry {
	r := &Registry{m: make(map[domain.ToolKind]domain.Driver, len(ds))}
	for _, d := range ds {
		r.m[d.Kind()] = d
	}
	return r
}

// FromConfig registers a driver for every tool that has a base_url.
func FromConfig(cfg *config.Config) *Registry {
	var ds []domain.Driver
	if t := cfg.Tools.Static; t.BaseURL != "" {
		ds = append(ds, NewStaticDriver(t.BaseURL, t.Timeout))
	}
	if t := cfg.Tools.Dynamic; t.BaseURL != "" {
		ds = append(ds, NewDynamicDriver(t.BaseURL, t.Timeout))
	}
	if t := cfg.Tools.ZAP; t.BaseURL != "" {
		ds = append(ds, NewZAPDriver(t.BaseURL, t.APIKey, t.Timeout))
	}
	return NewRegistry(ds...)
}

func (r *Registry) Driver(kind domain.ToolKind) (domain.Driver, bool) {
	d, ok := r.m[kind]
	return d, ok
}

// Kinds lists registered tool kinds, for the health endpoint.
func (r *Registry) Kinds() []domain.ToolKind {
	out := make([]domain.ToolKind, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}
