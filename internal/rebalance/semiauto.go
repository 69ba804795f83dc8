package rebalance

import (
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
)

// SemiAuto assigns states to the instances IdealState lists per
// partition, in the declared preference order, filling state-model
// upper bounds top-down (spec.md §4.2).
type SemiAuto struct{}

func (SemiAuto) Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition, delay *DelayTracker) (map[string]model.Assignment, error) {
	now := time.Now()
	out := make(map[string]model.Assignment, is.NumPartitions)
	for _, partition := range sortedPartitionKeys(is.PartitionNames()) {
		prefs := is.PreferenceLists[partition]
		eligible := liveFilteredInstances(snap, is.Resource, partition, is.InstanceGroupTag, delay, now, prefs)
		out[partition] = assignByPriority(eligible, def, len(snap.LiveInstances), is.ReplicaCount)
	}
	return out, nil
}
