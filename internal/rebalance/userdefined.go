package rebalance

import (
	"fmt"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
)

// UserDefined delegates to a named rebalancer plugin with the full
// snapshot (spec.md §4.2).
type UserDefined struct {
	Registry *Registry
}

func (u UserDefined) Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition, delay *DelayTracker) (map[string]model.Assignment, error) {
	if u.Registry == nil {
		return nil, fmt.Errorf("USER_DEFINED rebalancer for resource %q: no plugin registry configured", is.Resource)
	}
	plugin, ok := u.Registry.lookup(is.RebalancerClassName)
	if !ok {
		return nil, fmt.Errorf("USER_DEFINED rebalancer for resource %q: plugin %q not registered", is.Resource, is.RebalancerClassName)
	}
	return plugin.Compute(snap, is, def)
}
