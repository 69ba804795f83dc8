// Package rebalance computes, per partition, the best-possible
// instance->state assignment a resource should converge to, ignoring
// throttles (spec.md §4.2). One Rebalancer interface, four
// implementations selected by IdealState.RebalanceMode — the tagged-
// variant shape spec.md §9 asks for ("avoid deep inheritance"),
// grounded on the teacher's pkg/scheduler.Scheduler mode dispatch
// between scheduleGlobalService/scheduleReplicatedService.
package rebalance

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
)

// Rebalancer computes the best-possible assignment for one resource's
// partitions.
type Rebalancer interface {
	Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition, delay *DelayTracker) (map[string]model.Assignment, error)
}

// UserDefinedPlugin is what a USER_DEFINED rebalancer delegates to.
type UserDefinedPlugin interface {
	Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition) (map[string]model.Assignment, error)
}

// Registry resolves USER_DEFINED rebalancer plugins by
// IdealState.RebalancerClassName.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]UserDefinedPlugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]UserDefinedPlugin)}
}

func (r *Registry) Register(name string, p UserDefinedPlugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = p
}

func (r *Registry) lookup(name string) (UserDefinedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// ForMode returns the Rebalancer for a resource's declared mode.
func ForMode(mode model.RebalanceMode, registry *Registry) (Rebalancer, error) {
	switch mode {
	case model.RebalanceModeSemiAuto:
		return SemiAuto{}, nil
	case model.RebalanceModeFullAuto:
		return FullAuto{}, nil
	case model.RebalanceModeCustomized:
		return Customized{}, nil
	case model.RebalanceModeUserDefined:
		return UserDefined{Registry: registry}, nil
	default:
		return nil, fmt.Errorf("unknown rebalance mode %q", mode)
	}
}

// DelayTracker implements delayed-rebalance (spec.md §4.2): an
// instance that dropped out of LiveInstances less than
// DelayRebalanceTimeMs ago is still treated as live by the rebalancer,
// and a timer triggers a re-run at the expiry.
type DelayTracker struct {
	mu         sync.Mutex
	lastSeen   map[string]time.Time
	delayMs    int64
	disabled   bool
}

func NewDelayTracker(delayMs int64, disabled bool) *DelayTracker {
	return &DelayTracker{lastSeen: make(map[string]time.Time), delayMs: delayMs, disabled: disabled}
}

// Observe records the current liveness of every known instance. Call
// this once per pipeline run with the full instance config set so
// instances that silently disappear are still tracked.
func (t *DelayTracker) Observe(now time.Time, live map[string]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, isLive := range live {
		if isLive {
			t.lastSeen[name] = now
		}
	}
}

// EffectivelyLive reports whether instance should be treated as live
// for placement purposes: genuinely live, or within the delay window
// of its last observed liveness.
func (t *DelayTracker) EffectivelyLive(now time.Time, instance string, genuinelyLive bool) bool {
	if genuinelyLive {
		return true
	}
	if t == nil || t.disabled || t.delayMs <= 0 {
		return false
	}
	t.mu.Lock()
	last, ok := t.lastSeen[instance]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return now.Sub(last) < time.Duration(t.delayMs)*time.Millisecond
}

// NextExpiry returns the earliest time any currently-delayed instance
// exits its grace window, or the zero Time if none are delayed.
func (t *DelayTracker) NextExpiry(now time.Time, liveNow map[string]bool) time.Time {
	if t == nil || t.disabled || t.delayMs <= 0 {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var earliest time.Time
	window := time.Duration(t.delayMs) * time.Millisecond
	for name, last := range t.lastSeen {
		if liveNow[name] {
			continue
		}
		expiry := last.Add(window)
		if expiry.After(now) && (earliest.IsZero() || expiry.Before(earliest)) {
			earliest = expiry
		}
	}
	return earliest
}

// liveFilteredInstances returns the instance names eligible for
// placement: effectively live (per delay tracker), enabled, not
// disabled for this resource/partition, and (if groupTag != "")
// carrying groupTag.
func liveFilteredInstances(snap *cache.Snapshot, resource, partition, groupTag string, delay *DelayTracker, now time.Time, candidates []string) []string {
	var out []string
	for _, name := range candidates {
		ic, ok := snap.InstanceConfigs[name]
		if !ok || !ic.Enabled {
			continue
		}
		_, genuinelyLive := snap.LiveInstances[name]
		if !delay.EffectivelyLive(now, name, genuinelyLive) {
			continue
		}
		if disabled := ic.DisabledPartitions[resource]; containsStr(disabled, partition) {
			continue
		}
		if groupTag != "" && !ic.HasTag(groupTag) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// assignByPriority fills def's states in priority order (top state
// first) across instances in list order, respecting each state's
// upper bound. A state bounded by the "R" token gets the replica count
// minus the bounds of the higher-priority states (MasterSlave's SLAVE
// resolves to R-1). This is the "filling state-model upper bounds
// top-down" rule shared by SEMI_AUTO and FULL_AUTO.
func assignByPriority(instances []string, def *model.StateModelDefinition, liveCount, replicaCount int) model.Assignment {
	assignment := make(model.Assignment, len(instances))
	remaining := make(map[string]int, len(def.StatesInPriorityOrder))
	higher := 0
	for _, st := range def.StatesInPriorityOrder {
		bound := def.UpperBound(st, liveCount, replicaCount)
		if def.UpperBounds[st].Token == "R" {
			bound -= higher
		}
		remaining[st] = bound
		higher += bound
	}
	stateIdx := 0
	states := def.StatesInPriorityOrder
	for _, inst := range instances {
		for stateIdx < len(states) && remaining[states[stateIdx]] <= 0 {
			stateIdx++
		}
		if stateIdx >= len(states) {
			break
		}
		assignment[inst] = states[stateIdx]
		remaining[states[stateIdx]]--
	}
	return assignment
}

func sortedResourceKeys(m map[string]*model.IdealState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPartitionKeys(partitions []string) []string {
	out := append([]string(nil), partitions...)
	sort.Strings(out)
	return out
}

func faultZoneOf(topology string, instance string) string {
	// topology is a slash-delimited path template like "/zone/rack/host";
	// in the absence of a live topology service, use the instance's own
	// name segments up to the declared depth as its fault-zone key.
	depth := strings.Count(topology, "/")
	parts := strings.Split(instance, ".")
	if depth <= 0 || depth > len(parts) {
		return instance
	}
	return strings.Join(parts[:depth], ".")
}
