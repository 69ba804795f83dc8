// Package statemodel defines the finite-state-machine contract
// participant handlers implement, the built-in OnlineOffline and
// MasterSlave definitions, and the factory registry the participant
// executor uses to look up a handler per (resource, partition).
//
// Grounded on the FROM_STATE/TO_STATE/STATE_MODEL_DEF handling in the
// gohelix participant.go reference file, and on the Command/Apply
// dispatch shape in the teacher's pkg/manager/fsm.go for how a
// registered operation table is organized.
package statemodel

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/partitionctl/internal/model"
)

// Handler is the user-supplied state-model implementation for one
// partition replica on one participant.
type Handler interface {
	// Transition performs a single (from, to) step and returns an
	// optional info string. An error routes to HandlerException
	// (spec.md §7): the partition is marked ERROR.
	Transition(ctx context.Context, from, to string, msg *model.Message) (info string, err error)

	// OnReset is invoked when the partition is forcibly reset to the
	// model's initial state (e.g. after ERROR recovery).
	OnReset(ctx context.Context) error

	// OnError is invoked when the executor marks the partition ERROR.
	OnError(ctx context.Context, err error)

	// OnCancel is invoked when the executor receives a CANCELLATION
	// message for the partition (the controller sends one when
	// transition-cancel is enabled and a pending message is superseded).
	// The superseded transition message is not removed from the queue:
	// if it has not run yet, Transition still runs for it.
	OnCancel(ctx context.Context, msg *model.Message)
}

// Factory builds one Handler per partition for a registered state
// model name.
type Factory interface {
	CreateHandler(resource, partition string) Handler
}

// FactoryFunc adapts a plain function to a Factory.
type FactoryFunc func(resource, partition string) Handler

func (f FactoryFunc) CreateHandler(resource, partition string) Handler {
	return f(resource, partition)
}

// Registry holds StateModelDefinitions and their registered handler
// factories, keyed by state-model name.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*model.StateModelDefinition
	factories   map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*model.StateModelDefinition),
		factories:   make(map[string]Factory),
	}
}

// Register associates a definition and its handler factory under
// def.Name. Re-registering the same name overwrites the previous
// entry; StateModelDefinitions are otherwise immutable once in use
// (spec.md §3).
func (r *Registry) Register(def *model.StateModelDefinition, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.Name] = def
	r.factories[def.Name] = factory
}

// Definition looks up a registered state-model definition by name.
func (r *Registry) Definition(name string) (*model.StateModelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[name]
	return d, ok
}

// NewHandler asks the factory registered for name to build a handler
// for (resource, partition).
func (r *Registry) NewHandler(name, resource, partition string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for state model %q", name)
	}
	return factory.CreateHandler(resource, partition), nil
}
