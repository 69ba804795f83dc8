package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/events"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/rebalance"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/cuemby/partitionctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*store.BoltStore, *cache.Cache, *Pipeline) {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := cache.New(s)
	registry := rebalance.NewRegistry()
	delay := rebalance.NewDelayTracker(0, true)
	broker := events.NewBroker()
	p := New(s, c, registry, delay, broker, time.Hour)
	return s, c, p
}

func putJSON(t *testing.T, s *store.BoltStore, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	_, _, err = s.Create(context.Background(), path, data)
	require.NoError(t, err)
}

func seedCluster(t *testing.T, s *store.BoltStore) {
	putJSON(t, s, "/CONFIGS/CLUSTER/main", model.ClusterConfig{Name: "c1"})
	putJSON(t, s, "/CONFIGS/PARTICIPANT/i1", model.InstanceConfig{Name: "i1", Enabled: true})
	putJSON(t, s, "/CONFIGS/PARTICIPANT/i2", model.InstanceConfig{Name: "i2", Enabled: true})
	putJSON(t, s, "/LIVEINSTANCES/i1", model.LiveInstance{Name: "i1", SessionID: "sess-1"})
	putJSON(t, s, "/LIVEINSTANCES/i2", model.LiveInstance{Name: "i2", SessionID: "sess-2"})
	putJSON(t, s, "/STATEMODELDEFS/MasterSlave", statemodel.MasterSlave())
	putJSON(t, s, "/IDEALSTATES/res1", model.IdealState{
		Resource:      "res1",
		NumPartitions: 1,
		ReplicaCount:  2,
		RebalanceMode: model.RebalanceModeSemiAuto,
		StateModelRef: "MasterSlave",
		PreferenceLists: map[string][]string{
			"res1_0": {"i1", "i2"},
		},
	})
}

func TestRunDispatchesTransitionMessagesFromOffline(t *testing.T) {
	s, _, p := newHarness(t)
	seedCluster(t, s)

	require.NoError(t, p.Run(context.Background()))

	children, err := s.GetChildren(context.Background(), "/INSTANCES/i1/MESSAGES")
	require.NoError(t, err)
	require.Len(t, children, 1)

	data, _, err := s.Get(context.Background(), "/INSTANCES/i1/MESSAGES/"+children[0])
	require.NoError(t, err)
	var msg model.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "res1", msg.ResourceName)
	assert.Equal(t, "res1_0", msg.PartitionName)
	assert.Equal(t, "SLAVE", msg.ToState, "OFFLINE must detour through SLAVE, never jump straight to MASTER")
}

func TestRunPreWritesRequestedState(t *testing.T) {
	s, _, p := newHarness(t)
	seedCluster(t, s)

	require.NoError(t, p.Run(context.Background()))

	data, _, err := s.Get(context.Background(), "/INSTANCES/i1/CURRENTSTATES/sess-1/res1")
	require.NoError(t, err)
	var cs model.CurrentState
	require.NoError(t, json.Unmarshal(data, &cs))
	require.Contains(t, cs.Partitions, "res1_0")
	assert.Equal(t, "SLAVE", cs.Partitions["res1_0"].RequestedState)
}

func TestRunSkipsWhenPipelineDisabled(t *testing.T) {
	s, _, p := newHarness(t)
	seedCluster(t, s)

	_, err := s.Update(context.Background(), "/CONFIGS/CLUSTER/main", func(current []byte, stat store.Stat) ([]byte, error) {
		var cc model.ClusterConfig
		require.NoError(t, json.Unmarshal(current, &cc))
		cc.PipelineDisabled = true
		return json.Marshal(cc)
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background()))

	children, err := s.GetChildren(context.Background(), "/INSTANCES/i1/MESSAGES")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestRunDoesNotRedispatchWhenAlreadyInFlight(t *testing.T) {
	s, _, p := newHarness(t)
	seedCluster(t, s)

	require.NoError(t, p.Run(context.Background()))
	children, err := s.GetChildren(context.Background(), "/INSTANCES/i1/MESSAGES")
	require.NoError(t, err)
	require.Len(t, children, 1)

	require.NoError(t, p.Run(context.Background()))
	childrenAfter, err := s.GetChildren(context.Background(), "/INSTANCES/i1/MESSAGES")
	require.NoError(t, err)
	assert.ElementsMatch(t, children, childrenAfter, "a second run toward the same target must not dispatch a duplicate message")
}

func TestRunPrioritizesRecoveryAcrossResourcesUnderSharedBudget(t *testing.T) {
	s, _, p := newHarness(t)
	putJSON(t, s, "/CONFIGS/CLUSTER/main", model.ClusterConfig{
		Name:             "c1",
		ClusterThrottles: []model.ThrottleConfig{{Scope: model.ThrottleScopeAny, Max: 1}},
	})
	putJSON(t, s, "/CONFIGS/PARTICIPANT/i1", model.InstanceConfig{Name: "i1", Enabled: true})
	putJSON(t, s, "/CONFIGS/PARTICIPANT/i2", model.InstanceConfig{Name: "i2", Enabled: true})
	putJSON(t, s, "/LIVEINSTANCES/i1", model.LiveInstance{Name: "i1", SessionID: "sess-1"})
	putJSON(t, s, "/LIVEINSTANCES/i2", model.LiveInstance{Name: "i2", SessionID: "sess-2"})
	putJSON(t, s, "/STATEMODELDEFS/MasterSlave", statemodel.MasterSlave())

	// "aaa" sorts alphabetically before "bbb" and only needs a
	// load-balance move (i1 is its single preference and holds SLAVE,
	// so it needs a SLAVE->MASTER promotion; MinActiveReplias 0 keeps it
	// out of recovery). "bbb" carries a replica stuck in ERROR, a
	// recovery partition. Only one unit of cluster-wide budget exists.
	putJSON(t, s, "/IDEALSTATES/aaa", model.IdealState{
		Resource: "aaa", NumPartitions: 1, ReplicaCount: 1, MinActiveReplias: 0,
		RebalanceMode: model.RebalanceModeSemiAuto, StateModelRef: "MasterSlave",
		PreferenceLists: map[string][]string{"aaa_0": {"i1"}},
	})
	putJSON(t, s, "/IDEALSTATES/bbb", model.IdealState{
		Resource: "bbb", NumPartitions: 1, ReplicaCount: 1, MinActiveReplias: 1,
		RebalanceMode: model.RebalanceModeSemiAuto, StateModelRef: "MasterSlave",
		PreferenceLists: map[string][]string{"bbb_0": {"i2"}},
	})
	putJSON(t, s, "/INSTANCES/i1/CURRENTSTATES/sess-1/aaa", model.CurrentState{
		Instance: "i1", SessionID: "sess-1", Resource: "aaa",
		Partitions: map[string]*model.PartitionCurrentState{"aaa_0": {State: "SLAVE"}},
	})
	putJSON(t, s, "/INSTANCES/i2/CURRENTSTATES/sess-2/bbb", model.CurrentState{
		Instance: "i2", SessionID: "sess-2", Resource: "bbb",
		Partitions: map[string]*model.PartitionCurrentState{"bbb_0": {State: "ERROR"}},
	})

	require.NoError(t, p.Run(context.Background()))

	aaaChildren, err := s.GetChildren(context.Background(), "/INSTANCES/i1/MESSAGES")
	require.NoError(t, err)
	assert.Empty(t, aaaChildren, "the alphabetically-earlier load-balance resource must not claim the shared budget")

	bbbChildren, err := s.GetChildren(context.Background(), "/INSTANCES/i2/MESSAGES")
	require.NoError(t, err)
	require.Len(t, bbbChildren, 1, "the recovery partition on a later resource must claim the shared budget")

	data, _, err := s.Get(context.Background(), "/INSTANCES/i2/MESSAGES/"+bbbChildren[0])
	require.NoError(t, err)
	var msg model.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "bbb", msg.ResourceName)
}

func TestTriggerCoalescesConcurrentRequests(t *testing.T) {
	_, _, p := newHarness(t)
	p.Trigger()
	p.Trigger() // dropped and counted, not queued
	select {
	case <-p.triggerC:
	default:
		t.Fatal("expected exactly one buffered trigger")
	}
	select {
	case <-p.triggerC:
		t.Fatal("expected the second trigger to have been coalesced, not queued")
	default:
	}
}
