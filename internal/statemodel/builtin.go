package statemodel

import "github.com/cuemby/partitionctl/internal/model"

// OnlineOffline is the simplest built-in model: a partition replica is
// either serving (ONLINE) or not (OFFLINE), with no leader election.
func OnlineOffline() *model.StateModelDefinition {
	return &model.StateModelDefinition{
		Name:                  "OnlineOffline",
		StatesInPriorityOrder: []string{"ONLINE", "OFFLINE", "DROPPED"},
		InitialState:          "OFFLINE",
		Transitions: map[string]map[string]int{
			"OFFLINE": {"ONLINE": 1, "DROPPED": 2},
			"ONLINE":  {"OFFLINE": 1},
			"ERROR":   {"OFFLINE": 1},
		},
		UpperBounds: map[string]model.StateCount{
			"ONLINE":  {Token: "R"},
			"OFFLINE": model.Unbounded,
			"DROPPED": model.Unbounded,
			"ERROR":   model.Unbounded,
		},
		TransitionPriorities: []string{"ONLINE", "OFFLINE", "DROPPED"},
	}
}

// MasterSlave is the built-in model used throughout spec.md §8's
// concrete scenarios: at most one MASTER per partition, the rest
// SLAVE, with an explicit SLAVE detour before promotion (a replica
// never jumps straight from OFFLINE to MASTER).
func MasterSlave() *model.StateModelDefinition {
	return &model.StateModelDefinition{
		Name:                  "MasterSlave",
		StatesInPriorityOrder: []string{"MASTER", "SLAVE", "OFFLINE", "DROPPED"},
		InitialState:          "OFFLINE",
		Transitions: map[string]map[string]int{
			"OFFLINE": {"SLAVE": 1, "DROPPED": 3},
			"SLAVE":   {"MASTER": 1, "OFFLINE": 2},
			"MASTER":  {"SLAVE": 1},
			"ERROR":   {"OFFLINE": 1},
		},
		UpperBounds: map[string]model.StateCount{
			"MASTER":  {Fixed: 1},
			"SLAVE":   {Token: "R"}, // resolved relative to replica count minus masters by the rebalancer
			"OFFLINE": model.Unbounded,
			"DROPPED": model.Unbounded,
			"ERROR":   model.Unbounded,
		},
		TransitionPriorities: []string{"MASTER", "SLAVE", "OFFLINE", "DROPPED"},
	}
}
