package operator

import "fmt"

// Factory builds a fresh operator instance for one node. Operators
// are constructed per node rather than shared, since a node's extras
// map may parameterize them.
type Factory func(extra map[string]any) (any, error)

// Registry resolves operator names (as they appear in a pipeline job
// spec) to factories. The runtime itself ships no built-in operators;
// callers register their own before planning a pipeline.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to factory. Registering the same name twice
// overwrites the previous binding.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Build resolves name and constructs an operator instance.
func (r *Registry) Build(name string, extra map[string]any) (any, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("operator: no factory registered for %q", name)
	}
	return factory(extra)
}
