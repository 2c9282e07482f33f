package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/psoares-cs/coordination/internal/bundle"
	"github.com/psoares-cs/coordination/internal/engine"
)

// Registry holds the known model variants. It is constructed explicitly and
// passed around; there is no ambient global registry.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns a registry with the vocalic model family bound to the
// given engine.
func NewRegistry(eng engine.Engine) *Registry {
	r := &Registry{builders: map[string]Builder{}}
	r.Register(&vocalicBuilder{name: "vocalic", eng: eng, newBundle: func() bundle.Bundle {
		return bundle.NewVocalicBundle()
	}})
	r.Register(&vocalicBuilder{name: "vocalic_semantic", eng: eng, newBundle: func() bundle.Bundle {
		return bundle.NewVocalicSemanticBundle()
	}})
	return r
}

// Register adds a builder, replacing any previous one with the same name.
func (r *Registry) Register(b Builder) {
	r.builders[b.Name()] = b
}

// Lookup resolves a model name.
func (r *Registry) Lookup(name string) (Builder, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (valid: %s)", name, strings.Join(r.Names(), ", "))
	}
	return b, nil
}

// Names lists the registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// vocalicBuilder builds engine-backed models of the vocalic family.
type vocalicBuilder struct {
	name      string
	eng       engine.Engine
	newBundle func() bundle.Bundle
}

func (vb *vocalicBuilder) Name() string { return vb.name }

func (vb *vocalicBuilder) NewConfigBundle() bundle.Bundle { return vb.newBundle() }

func (vb *vocalicBuilder) Build(ctx context.Context, b bundle.Bundle) (Model, error) {
	if b.ModelName() != vb.name {
		return nil, fmt.Errorf("bundle for model %q cannot build model %q", b.ModelName(), vb.name)
	}
	graph, err := vb.eng.BuildGraph(ctx, engine.GraphSpec{
		ModelName:  vb.name,
		Attributes: bundle.ToMap(b),
	})
	if err != nil {
		return nil, fmt.Errorf("building graph for %s: %w", vb.name, err)
	}
	return &engineModel{graph: graph}, nil
}
