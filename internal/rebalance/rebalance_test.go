package rebalance

import (
	"testing"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveSnapshot(instances ...string) *cache.Snapshot {
	snap := &cache.Snapshot{
		ClusterConfig:   &model.ClusterConfig{},
		InstanceConfigs: map[string]*model.InstanceConfig{},
		LiveInstances:   map[string]*model.LiveInstance{},
		CurrentStates:   map[string]map[string]*model.CurrentState{},
	}
	for _, name := range instances {
		snap.InstanceConfigs[name] = &model.InstanceConfig{Name: name, Enabled: true}
		snap.LiveInstances[name] = &model.LiveInstance{Name: name, SessionID: "s-" + name}
	}
	return snap
}

func noDelay() *DelayTracker {
	return NewDelayTracker(0, true)
}

func TestSemiAutoFillsPreferenceOrder(t *testing.T) {
	snap := liveSnapshot("i1", "i2", "i3")
	def := statemodel.MasterSlave()
	is := &model.IdealState{
		Resource:      "res1",
		NumPartitions: 1,
		ReplicaCount:  3,
		PreferenceLists: map[string][]string{
			"res1_0": {"i1", "i2", "i3"},
		},
	}
	out, err := SemiAuto{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	assert.Equal(t, "MASTER", out["res1_0"]["i1"])
	assert.Equal(t, "SLAVE", out["res1_0"]["i2"])
	assert.Equal(t, "SLAVE", out["res1_0"]["i3"])
}

func TestSemiAutoSkipsDisabledInstance(t *testing.T) {
	snap := liveSnapshot("i1", "i2")
	snap.InstanceConfigs["i1"].Enabled = false
	def := statemodel.MasterSlave()
	is := &model.IdealState{
		Resource:      "res1",
		NumPartitions: 1,
		ReplicaCount:  2,
		PreferenceLists: map[string][]string{
			"res1_0": {"i1", "i2"},
		},
	}
	out, err := SemiAuto{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	_, hasI1 := out["res1_0"]["i1"]
	assert.False(t, hasI1)
	assert.Equal(t, "MASTER", out["res1_0"]["i2"])
}

func TestCustomizedHonorsDeclaredStatesDirectly(t *testing.T) {
	snap := liveSnapshot("i1", "i2")
	def := statemodel.MasterSlave()
	is := &model.IdealState{
		Resource:      "res1",
		NumPartitions: 1,
		ReplicaCount:  2,
		PreferenceMaps: map[string]map[string]string{
			"res1_0": {"i1": "SLAVE", "i2": "MASTER"},
		},
	}
	out, err := Customized{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	assert.Equal(t, "SLAVE", out["res1_0"]["i1"])
	assert.Equal(t, "MASTER", out["res1_0"]["i2"])
}

func TestCustomizedFiltersDisabledPartitions(t *testing.T) {
	snap := liveSnapshot("i1", "i2")
	snap.InstanceConfigs["i1"].DisabledPartitions = map[string][]string{"res1": {"res1_0"}}
	def := statemodel.MasterSlave()
	is := &model.IdealState{
		Resource: "res1",
		PreferenceMaps: map[string]map[string]string{
			"res1_0": {"i1": "MASTER", "i2": "SLAVE"},
		},
	}
	out, err := Customized{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	_, hasI1 := out["res1_0"]["i1"]
	assert.False(t, hasI1)
}

func TestUserDefinedDelegatesToRegisteredPlugin(t *testing.T) {
	snap := liveSnapshot("i1")
	def := statemodel.MasterSlave()
	registry := NewRegistry()
	registry.Register("my-plugin", pluginFunc(func(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition) (map[string]model.Assignment, error) {
		return map[string]model.Assignment{"res1_0": {"i1": "MASTER"}}, nil
	}))
	is := &model.IdealState{Resource: "res1", RebalancerClassName: "my-plugin"}
	ud := UserDefined{Registry: registry}
	out, err := ud.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	assert.Equal(t, "MASTER", out["res1_0"]["i1"])
}

func TestUserDefinedErrorsWhenPluginMissing(t *testing.T) {
	snap := liveSnapshot("i1")
	def := statemodel.MasterSlave()
	ud := UserDefined{Registry: NewRegistry()}
	is := &model.IdealState{Resource: "res1", RebalancerClassName: "missing"}
	_, err := ud.Compute(snap, is, def, noDelay())
	assert.Error(t, err)
}

type pluginFunc func(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition) (map[string]model.Assignment, error)

func (f pluginFunc) Compute(snap *cache.Snapshot, is *model.IdealState, def *model.StateModelDefinition) (map[string]model.Assignment, error) {
	return f(snap, is, def)
}

func TestFullAutoSpreadsAcrossFaultZones(t *testing.T) {
	snap := liveSnapshot("zoneA.h1", "zoneA.h2", "zoneB.h1", "zoneB.h2")
	snap.ClusterConfig.Topology = "/zone/host"
	def := statemodel.MasterSlave()
	is := &model.IdealState{Resource: "res1", NumPartitions: 2, ReplicaCount: 2}
	out, err := FullAuto{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	for partition, assignment := range out {
		zones := map[string]bool{}
		for instance := range assignment {
			zones[faultZoneOf(snap.ClusterConfig.Topology, instance)] = true
		}
		assert.Len(t, zones, 2, "partition %s should spread its two replicas across two fault zones", partition)
	}
}

func TestFullAutoIsSticky(t *testing.T) {
	snap := liveSnapshot("i1", "i2", "i3")
	snap.CurrentStates["i1"] = map[string]*model.CurrentState{
		"res1": {Partitions: map[string]*model.PartitionCurrentState{"res1_0": {State: "MASTER"}}},
	}
	def := statemodel.MasterSlave()
	is := &model.IdealState{Resource: "res1", NumPartitions: 1, ReplicaCount: 1}
	out, err := FullAuto{}.Compute(snap, is, def, noDelay())
	require.NoError(t, err)
	assert.Equal(t, "MASTER", out["res1_0"]["i1"], "existing non-offline placement should be kept")
}

func TestDelayTrackerKeepsRecentlyDepartedInstanceLive(t *testing.T) {
	dt := NewDelayTracker(60_000, false)
	now := time.Now()
	dt.Observe(now, map[string]bool{"i1": true})

	assert.True(t, dt.EffectivelyLive(now.Add(10*time.Second), "i1", false))
	assert.False(t, dt.EffectivelyLive(now.Add(2*time.Minute), "i1", false))
}

func TestDelayTrackerDisabledNeverExtendsLiveness(t *testing.T) {
	dt := NewDelayTracker(60_000, true)
	now := time.Now()
	dt.Observe(now, map[string]bool{"i1": true})
	assert.False(t, dt.EffectivelyLive(now.Add(time.Second), "i1", false))
}

func TestDelayTrackerNextExpiry(t *testing.T) {
	dt := NewDelayTracker(1000, false)
	now := time.Now()
	dt.Observe(now, map[string]bool{"i1": true})
	expiry := dt.NextExpiry(now, map[string]bool{"i1": false})
	assert.True(t, expiry.After(now))
}
