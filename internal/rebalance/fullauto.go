package rebalance

import (
	"sort"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
)

// FullAuto computes preference lists itself: it spreads replicas
// evenly across instances weighted by load already assigned within
// this resource, honors fault-zone isolation derived from the
// cluster's topology path, keeps existing assignments where still
// legal (sticky), and respects instance-group tag filtering (spec.md
// §4.2). Placement is deterministic given the snapshot.
//
// The fault-zone spread borrows the round-robin shard-distribution
// idea from johnjansen-torua's ShardRegistry.RebalanceShards
// (shard-index-modulo-node-count), generalized here to weight by
// topology-derived fault zone instead of flat index — the teacher's
// own scheduler only does round-robin-by-container-count with no
// notion of topology at all.
type FullAuto struct{}

func (FullAuto) Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition, delay *DelayTracker) (map[string]model.Assignment, error) {
	now := time.Now()

	allNames := make([]string, 0, len(snap.InstanceConfigs))
	for name := range snap.InstanceConfigs {
		allNames = append(allNames, name)
	}
	sort.Strings(allNames)

	load := make(map[string]int, len(allNames)) // instances already used this resource, for even spread

	out := make(map[string]model.Assignment, is.NumPartitions)
	for _, partition := range sortedPartitionKeys(is.PartitionNames()) {
		eligible := liveFilteredInstances(snap, is.Resource, partition, is.InstanceGroupTag, delay, now, allNames)
		if len(eligible) == 0 {
			out[partition] = model.Assignment{}
			continue
		}
		eligibleSet := make(map[string]bool, len(eligible))
		for _, n := range eligible {
			eligibleSet[n] = true
		}

		preference := stickyPreference(snap, is.Resource, partition, eligibleSet)
		chosenZones := make(map[string]int)
		chosen := make(map[string]bool, len(preference))
		for _, inst := range preference {
			chosen[inst] = true
			chosenZones[faultZoneOf(snap.ClusterConfig.Topology, inst)]++
		}

		for len(preference) < is.ReplicaCount && len(preference) < len(eligible) {
			next := leastLoadedLeastZoneContested(eligible, chosen, load, chosenZones, snap.ClusterConfig.Topology)
			if next == "" {
				break
			}
			preference = append(preference, next)
			chosen[next] = true
			chosenZones[faultZoneOf(snap.ClusterConfig.Topology, next)]++
		}

		for _, inst := range preference {
			load[inst]++
		}

		out[partition] = assignByPriority(preference, def, len(snap.LiveInstances), is.ReplicaCount)
	}
	return out, nil
}

// stickyPreference seeds the preference list with instances already
// holding a replica of this partition in a state other than OFFLINE,
// DROPPED or ERROR, in deterministic
// (instance-name) order, so legal existing placements are preserved.
func stickyPreference(snap *cache.Snapshot, resource, partition string, eligible map[string]bool) []string {
	var sticky []string
	for instance, perResource := range snap.CurrentStates {
		if !eligible[instance] {
			continue
		}
		cs, ok := perResource[resource]
		if !ok {
			continue
		}
		if state := cs.StateOf(partition); state != "" && state != "OFFLINE" && state != "DROPPED" && state != "ERROR" {
			sticky = append(sticky, instance)
		}
	}
	sort.Strings(sticky)
	return sticky
}

// leastLoadedLeastZoneContested picks the eligible, not-yet-chosen
// instance whose fault zone currently has the fewest replicas of this
// partition, breaking ties by overall load, then by name.
func leastLoadedLeastZoneContested(eligible []string, chosen map[string]bool, load map[string]int, chosenZones map[string]int, topology string) string {
	best := ""
	bestZoneCount := -1
	bestLoad := -1
	for _, inst := range eligible {
		if chosen[inst] {
			continue
		}
		zone := faultZoneOf(topology, inst)
		zc := chosenZones[zone]
		ld := load[inst]
		if best == "" || zc < bestZoneCount || (zc == bestZoneCount && ld < bestLoad) || (zc == bestZoneCount && ld == bestLoad && inst < best) {
			best = inst
			bestZoneCount = zc
			bestLoad = ld
		}
	}
	return best
}
