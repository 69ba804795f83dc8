package rebalance

import (
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
)

// Customized takes IdealState's declared per-partition instance->state
// map as authoritative, filtered down to live/enabled instances
// (spec.md §4.2).
type Customized struct{}

func (Customized) Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition, delay *DelayTracker) (map[string]model.Assignment, error) {
	now := time.Now()
	out := make(map[string]model.Assignment, is.NumPartitions)
	for _, partition := range sortedPartitionKeys(is.PartitionNames()) {
		declared := is.PreferenceMaps[partition]
		assignment := make(model.Assignment, len(declared))
		for instance, state := range declared {
			ic, ok := snap.InstanceConfigs[instance]
			if !ok || !ic.Enabled {
				continue
			}
			_, genuinelyLive := snap.LiveInstances[instance]
			if !delay.EffectivelyLive(now, instance, genuinelyLive) {
				continue
			}
			if containsStr(ic.DisabledPartitions[is.Resource], partition) {
				continue
			}
			assignment[instance] = state
		}
		out[partition] = assignment
	}
	return out, nil
}
