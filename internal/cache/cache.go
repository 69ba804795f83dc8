// Package cache is the Cluster Data Cache (spec.md §4.1): it builds
// one consistent, immutable snapshot of every input the pipeline
// consumes and swaps it in atomically. Grounded on the teacher's
// pkg/manager/fsm.go Snapshot/Restore pair (collect every entity kind
// into one aggregate, generalized here from a Raft-snapshot-for-
// compaction into a read-through cache for pipeline input).
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/store"
)

// Snapshot is the immutable input to one pipeline run.
type Snapshot struct {
	ClusterConfig *model.ClusterConfig

	InstanceConfigs map[string]*model.InstanceConfig // name -> config
	LiveInstances   map[string]*model.LiveInstance    // name -> live instance

	IdealStates map[string]*model.IdealState // resource -> ideal state

	StateModels map[string]*model.StateModelDefinition // name -> definition

	// CurrentStates is indexed by instance, then resource; only
	// sessions matching LiveInstances[instance].SessionID are kept
	// (stale-session records are dropped per spec.md §3's "scoped by
	// its current session id" invariant).
	CurrentStates map[string]map[string]*model.CurrentState

	// PendingMessages is indexed by target instance.
	PendingMessages map[string][]*model.Message
}

// Cache holds the current published Snapshot behind an atomic
// pointer; readers always see a complete, consistent snapshot, never
// a partial merge (spec.md §4.1).
type Cache struct {
	store Store
	ptr   atomic.Pointer[Snapshot]
}

// Store is the subset of store.Store the cache needs to read.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, store.Stat, error)
	GetChildren(ctx context.Context, path string) ([]string, error)
}

// New creates a Cache over s. Call Refresh at least once before Current.
func New(s Store) *Cache {
	return &Cache{store: s}
}

// Current returns the most recently published snapshot, or nil if
// Refresh has never succeeded.
func (c *Cache) Current() *Snapshot {
	return c.ptr.Load()
}

// ErrIncomplete is returned by Refresh when any required subtree
// failed to load; the pipeline must abort with no side effects
// (spec.md §4.1, §7 SnapshotIncomplete).
var ErrIncomplete = fmt.Errorf("cluster data cache: snapshot incomplete")

// Refresh builds the next snapshot off the live store and swaps it in
// only on full success; on partial failure the previously published
// snapshot (if any) is left untouched.
func (c *Cache) Refresh(ctx context.Context) error {
	snap := &Snapshot{
		InstanceConfigs: make(map[string]*model.InstanceConfig),
		LiveInstances:   make(map[string]*model.LiveInstance),
		IdealStates:     make(map[string]*model.IdealState),
		StateModels:     make(map[string]*model.StateModelDefinition),
		CurrentStates:   make(map[string]map[string]*model.CurrentState),
		PendingMessages: make(map[string][]*model.Message),
	}

	cc, err := c.loadClusterConfig(ctx)
	if err != nil {
		return fmt.Errorf("%w: cluster config: %v", ErrIncomplete, err)
	}
	snap.ClusterConfig = cc

	if err := c.loadInstanceConfigs(ctx, snap); err != nil {
		return fmt.Errorf("%w: instance configs: %v", ErrIncomplete, err)
	}
	if err := c.loadLiveInstances(ctx, snap); err != nil {
		return fmt.Errorf("%w: live instances: %v", ErrIncomplete, err)
	}
	if err := c.loadIdealStates(ctx, snap); err != nil {
		return fmt.Errorf("%w: ideal states: %v", ErrIncomplete, err)
	}
	if err := c.loadStateModels(ctx, snap); err != nil {
		return fmt.Errorf("%w: state models: %v", ErrIncomplete, err)
	}
	if err := c.loadCurrentStates(ctx, snap); err != nil {
		return fmt.Errorf("%w: current states: %v", ErrIncomplete, err)
	}
	if err := c.loadPendingMessages(ctx, snap); err != nil {
		return fmt.Errorf("%w: pending messages: %v", ErrIncomplete, err)
	}

	c.ptr.Store(snap)
	return nil
}

func (c *Cache) loadClusterConfig(ctx context.Context) (*model.ClusterConfig, error) {
	children, err := c.store.GetChildren(ctx, "/CONFIGS/CLUSTER")
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return &model.ClusterConfig{}, nil
	}
	data, _, err := c.store.Get(ctx, "/CONFIGS/CLUSTER/"+children[0])
	if err != nil {
		return nil, err
	}
	var cc model.ClusterConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, err
	}
	return &cc, nil
}

func (c *Cache) loadInstanceConfigs(ctx context.Context, snap *Snapshot) error {
	names, err := c.store.GetChildren(ctx, "/CONFIGS/PARTICIPANT")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, _, err := c.store.Get(ctx, "/CONFIGS/PARTICIPANT/"+name)
		if err != nil {
			return err
		}
		var ic model.InstanceConfig
		if err := json.Unmarshal(data, &ic); err != nil {
			return err
		}
		snap.InstanceConfigs[name] = &ic
	}
	return nil
}

func (c *Cache) loadLiveInstances(ctx context.Context, snap *Snapshot) error {
	names, err := c.store.GetChildren(ctx, "/LIVEINSTANCES")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, _, err := c.store.Get(ctx, "/LIVEINSTANCES/"+name)
		if err != nil {
			return err
		}
		var li model.LiveInstance
		if err := json.Unmarshal(data, &li); err != nil {
			return err
		}
		snap.LiveInstances[name] = &li
	}
	return nil
}

func (c *Cache) loadIdealStates(ctx context.Context, snap *Snapshot) error {
	resources, err := c.store.GetChildren(ctx, "/IDEALSTATES")
	if err != nil {
		return err
	}
	for _, resource := range resources {
		data, _, err := c.store.Get(ctx, "/IDEALSTATES/"+resource)
		if err != nil {
			return err
		}
		var is model.IdealState
		if err := json.Unmarshal(data, &is); err != nil {
			return err
		}
		snap.IdealStates[resource] = &is
	}
	return nil
}

func (c *Cache) loadStateModels(ctx context.Context, snap *Snapshot) error {
	names, err := c.store.GetChildren(ctx, "/STATEMODELDEFS")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, _, err := c.store.Get(ctx, "/STATEMODELDEFS/"+name)
		if err != nil {
			return err
		}
		var def model.StateModelDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return err
		}
		snap.StateModels[name] = &def
	}
	return nil
}

func (c *Cache) loadCurrentStates(ctx context.Context, snap *Snapshot) error {
	for instance, live := range snap.LiveInstances {
		base := "/INSTANCES/" + instance + "/CURRENTSTATES/" + live.SessionID
		resources, err := c.store.GetChildren(ctx, base)
		if err != nil {
			// no current-state subtree yet for a freshly joined instance
			continue
		}
		perResource := make(map[string]*model.CurrentState, len(resources))
		for _, resource := range resources {
			data, _, err := c.store.Get(ctx, base+"/"+resource)
			if err != nil {
				return err
			}
			var cs model.CurrentState
			if err := json.Unmarshal(data, &cs); err != nil {
				return err
			}
			if cs.SessionID != live.SessionID {
				continue // stale-session record, dropped per spec.md §3
			}
			perResource[resource] = &cs
		}
		snap.CurrentStates[instance] = perResource
	}
	return nil
}

func (c *Cache) loadPendingMessages(ctx context.Context, snap *Snapshot) error {
	for instance := range snap.LiveInstances {
		base := "/INSTANCES/" + instance + "/MESSAGES"
		ids, err := c.store.GetChildren(ctx, base)
		if err != nil {
			continue
		}
		msgs := make([]*model.Message, 0, len(ids))
		for _, id := range ids {
			data, _, err := c.store.Get(ctx, base+"/"+id)
			if err != nil {
				return err
			}
			var msg model.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		snap.PendingMessages[instance] = msgs
	}
	return nil
}

// PendingMessageFor returns the pending message targeting
// (instance,resource,partition), if any.
func (s *Snapshot) PendingMessageFor(instance, resource, partition string) *model.Message {
	for _, m := range s.PendingMessages[instance] {
		if m.ResourceName == resource && m.PartitionName == partition {
			return m
		}
	}
	return nil
}

// IsLive reports whether instance has a live session and is enabled.
func (s *Snapshot) IsLive(instance string) bool {
	if _, ok := s.LiveInstances[instance]; !ok {
		return false
	}
	ic, ok := s.InstanceConfigs[instance]
	return ok && ic.Enabled
}
