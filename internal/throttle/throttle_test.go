package throttle

import (
	"errors"
	"testing"

	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRecoveryOnError(t *testing.T) {
	def := statemodel.MasterSlave()
	cls := Classify(def, 2, map[string]string{"i1": "MASTER", "i2": "ERROR"})
	assert.Equal(t, Recovery, cls)
}

func TestClassifyRecoveryBelowMinimum(t *testing.T) {
	def := statemodel.MasterSlave()
	cls := Classify(def, 1, map[string]string{"i1": "SLAVE", "i2": "SLAVE"})
	assert.Equal(t, Recovery, cls)
}

func TestClassifyLoadBalanceWhenSatisfied(t *testing.T) {
	def := statemodel.MasterSlave()
	cls := Classify(def, 1, map[string]string{"i1": "MASTER", "i2": "SLAVE"})
	assert.Equal(t, LoadBalance, cls)
}

func TestNextStepSingleHop(t *testing.T) {
	def := statemodel.MasterSlave()
	// OFFLINE cannot jump straight to MASTER; one step must land on SLAVE.
	step, err := nextStep(def, "OFFLINE", "MASTER")
	require.NoError(t, err)
	assert.Equal(t, "SLAVE", step)
}

func TestNextStepDirectEdge(t *testing.T) {
	def := statemodel.MasterSlave()
	step, err := nextStep(def, "SLAVE", "MASTER")
	require.NoError(t, err)
	assert.Equal(t, "MASTER", step)
}

func TestNextStepNoChangeNeeded(t *testing.T) {
	def := statemodel.MasterSlave()
	step, err := nextStep(def, "MASTER", "MASTER")
	require.NoError(t, err)
	assert.Equal(t, "MASTER", step)
}

func TestNextStepUnrecognizedStateIsViolation(t *testing.T) {
	def := statemodel.MasterSlave()
	_, err := nextStep(def, "BOGUS", "MASTER")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateModelViolation))
}

func TestBudgetTrackerClusterCapBlocksAfterLimit(t *testing.T) {
	cc := &model.ClusterConfig{
		ClusterThrottles: []model.ThrottleConfig{{Scope: model.ThrottleScopeAny, Max: 1}},
	}
	bt := NewBudgetTracker(cc, nil)
	assert.True(t, bt.TryConsume("res1", "i1", LoadBalance))
	assert.False(t, bt.TryConsume("res1", "i2", LoadBalance))
}

func TestBudgetTrackerSeparatesRecoveryAndLoadBalanceBudgets(t *testing.T) {
	cc := &model.ClusterConfig{
		ClusterThrottles: []model.ThrottleConfig{
			{Scope: model.ThrottleScopeLoadBalance, Max: 0},
			{Scope: model.ThrottleScopeRecoveryBalance, Max: 5},
		},
	}
	bt := NewBudgetTracker(cc, nil)
	assert.False(t, bt.TryConsume("res1", "i1", LoadBalance))
	assert.True(t, bt.TryConsume("res1", "i1", Recovery))
}

func TestBudgetTrackerSeedsFromPendingMessages(t *testing.T) {
	cc := &model.ClusterConfig{
		ClusterThrottles: []model.ThrottleConfig{{Scope: model.ThrottleScopeAny, Max: 1}},
	}
	pending := map[string][]*model.Message{
		"i1": {{ResourceName: "res1", Type: model.MessageTypeStateTransition}},
	}
	bt := NewBudgetTracker(cc, pending)
	assert.False(t, bt.TryConsume("res1", "i2", LoadBalance))
}

func TestEngineComputeRecoveryBeforeLoadBalance(t *testing.T) {
	def := statemodel.MasterSlave()
	current := map[string]map[string]string{
		"res1_0": {"i1": "ERROR", "i2": "SLAVE"},  // recovery
		"res1_1": {"i1": "MASTER", "i2": "SLAVE"}, // satisfied, but target differs (load-balance move)
	}
	best := map[string]model.Assignment{
		"res1_0": {"i1": "OFFLINE", "i2": "MASTER"},
		"res1_1": {"i1": "SLAVE", "i2": "MASTER"},
	}
	bt := NewBudgetTracker(&model.ClusterConfig{
		ClusterThrottles: []model.ThrottleConfig{{Scope: model.ThrottleScopeAny, Max: 1}},
	}, nil)
	eng := &Engine{Budget: bt}
	plan, violations := eng.Compute("res1", def, 1, current, best)
	assert.Empty(t, violations)
	// Only one unit of cluster budget exists; the recovery partition
	// (res1_0) must claim it before the load-balance one is considered.
	_, recoveryWon := plan.Steps["res1_0"]
	_, loadBalanceWon := plan.Steps["res1_1"]
	assert.True(t, recoveryWon)
	assert.False(t, loadBalanceWon)
}

func TestEngineComputeAllPrioritizesRecoveryAcrossResources(t *testing.T) {
	def := statemodel.MasterSlave()
	// "aaa" sorts before "bbb" alphabetically but carries only a
	// load-balance move; "bbb" carries the recovery (ERROR) partition.
	// A shared cluster budget of 1 must still go to "bbb", proving the
	// queue is built across resources before any budget is spent.
	aaa := ResourceInput{
		Resource:  "aaa",
		Def:       def,
		MinActive: 1,
		Current:   map[string]map[string]string{"p0": {"i1": "MASTER", "i2": "SLAVE"}},
		Best:      map[string]model.Assignment{"p0": {"i1": "SLAVE", "i2": "MASTER"}},
	}
	bbb := ResourceInput{
		Resource:  "bbb",
		Def:       def,
		MinActive: 1,
		Current:   map[string]map[string]string{"p0": {"i1": "ERROR", "i2": "SLAVE"}},
		Best:      map[string]model.Assignment{"p0": {"i1": "OFFLINE", "i2": "MASTER"}},
	}
	bt := NewBudgetTracker(&model.ClusterConfig{
		ClusterThrottles: []model.ThrottleConfig{{Scope: model.ThrottleScopeAny, Max: 1}},
	}, nil)
	eng := &Engine{Budget: bt}

	plans, violations := eng.ComputeAll([]ResourceInput{aaa, bbb})
	assert.Empty(t, violations)

	_, aaaWon := plans["aaa"].Steps["p0"]
	_, bbbWon := plans["bbb"].Steps["p0"]
	assert.False(t, aaaWon, "the alphabetically-earlier load-balance resource must not win the shared budget")
	assert.True(t, bbbWon, "the recovery partition on a later resource must claim the shared budget first")
}

func TestEngineComputeStateModelViolationSkipsPartition(t *testing.T) {
	def := statemodel.MasterSlave()
	current := map[string]map[string]string{
		"res1_0": {"i1": "WEIRD_STATE", "i2": "SLAVE"},
	}
	best := map[string]model.Assignment{
		"res1_0": {"i1": "MASTER", "i2": "SLAVE"},
	}
	eng := &Engine{}
	plan, violations := eng.Compute("res1", def, 1, current, best)
	assert.Len(t, violations, 1)
	assert.True(t, errors.Is(violations[0], ErrStateModelViolation))
	_, present := plan.Steps["res1_0"]
	assert.False(t, present, "no transition messages should be planned for a partition with a state model violation")
}

func TestEngineComputeNoStepWhenAlreadyAtTarget(t *testing.T) {
	def := statemodel.MasterSlave()
	current := map[string]map[string]string{
		"res1_0": {"i1": "MASTER", "i2": "SLAVE"},
	}
	best := map[string]model.Assignment{
		"res1_0": {"i1": "MASTER", "i2": "SLAVE"},
	}
	eng := &Engine{}
	plan, violations := eng.Compute("res1", def, 1, current, best)
	assert.Empty(t, violations)
	_, present := plan.Steps["res1_0"]
	assert.False(t, present, "a partition already at its target needs no intermediate step")
}
