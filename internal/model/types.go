// Package model defines the cluster metadata entities shared by the
// controller pipeline and the participant executor.
package model

import "time"

// RebalanceMode selects which Rebalancer computes a resource's
// best-possible assignment.
type RebalanceMode string

const (
	RebalanceModeSemiAuto    RebalanceMode = "SEMI_AUTO"
	RebalanceModeFullAuto    RebalanceMode = "FULL_AUTO"
	RebalanceModeCustomized  RebalanceMode = "CUSTOMIZED"
	RebalanceModeUserDefined RebalanceMode = "USER_DEFINED"
)

// ThrottleScope is the class of transition a throttle budget applies to.
type ThrottleScope string

const (
	ThrottleScopeLoadBalance     ThrottleScope = "LOAD_BALANCE"
	ThrottleScopeRecoveryBalance ThrottleScope = "RECOVERY_BALANCE"
	ThrottleScopeAny             ThrottleScope = "ANY"
)

// ThrottleConfig bounds concurrent transitions at one scope.
type ThrottleConfig struct {
	Scope ThrottleScope
	Max   int
}

// ClusterConfig is the cluster-wide declaration: topology, throttles,
// and pipeline behavior flags.
type ClusterConfig struct {
	Name     string
	Version  uint64
	Topology string // e.g. "/zone/rack/host", used to derive fault zones

	ClusterThrottles  []ThrottleConfig
	ResourceThrottles []ThrottleConfig
	InstanceThrottles []ThrottleConfig

	PersistBestPossible     bool
	PersistIntermediate     bool
	PipelineDisabled        bool
	DelayRebalanceDisabled  bool
	DelayRebalanceTimeMs    int64
	TransitionCancelEnabled bool
}

// InstanceConfig is an admin-managed declaration of one participant.
type InstanceConfig struct {
	Name               string
	Version            uint64
	Host               string
	Port               int
	Enabled            bool
	Tags               []string
	DisabledPartitions map[string][]string // resource -> partitions disabled on this instance
}

// HasTag reports whether the instance carries tag t.
func (c *InstanceConfig) HasTag(t string) bool {
	for _, x := range c.Tags {
		if x == t {
			return true
		}
	}
	return false
}

// LiveInstance is the ephemeral record a participant publishes for the
// duration of one coordination-store session.
type LiveInstance struct {
	Name            string
	SessionID       string
	ControllerEpoch uint64
	LastHeartbeat   time.Time
}

// IdealState is the declarative target placement for one resource.
type IdealState struct {
	Resource         string
	Version          uint64
	NumPartitions    int
	ReplicaCount     int
	RebalanceMode    RebalanceMode
	StateModelRef    string
	InstanceGroupTag string
	MinActiveReplias int // minimum active replicas tolerated before a partition is "in recovery"

	// PreferenceLists is used by SEMI_AUTO: partition -> ordered instance names.
	PreferenceLists map[string][]string

	// PreferenceMaps is used by CUSTOMIZED: partition -> instance -> state.
	PreferenceMaps map[string]map[string]string

	// RebalancerClassName names the plugin for USER_DEFINED.
	RebalancerClassName string
}

// PartitionNames returns the partitions declared for this resource.
func (is *IdealState) PartitionNames() []string {
	names := make([]string, is.NumPartitions)
	for i := range names {
		names[i] = partitionName(is.Resource, i)
	}
	return names
}

func partitionName(resource string, index int) string {
	return resource + "_" + itoa(index)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// StateCount is a per-state upper bound: either a fixed integer or one
// of the N (live instance count) / R (replica count) tokens.
type StateCount struct {
	Token string // "N", "R", or "" when Fixed is used
	Fixed int
}

// Resolve returns the concrete bound given the live instance count and
// the resource's declared replica count.
func (c StateCount) Resolve(liveCount, replicaCount int) int {
	switch c.Token {
	case "N":
		return liveCount
	case "R":
		return replicaCount
	default:
		return c.Fixed
	}
}

// Unbounded is the conventional "no limit" upper bound (OFFLINE, DROPPED).
var Unbounded = StateCount{Fixed: 1 << 30}

// StateModelDefinition is the finite-state machine governing a resource's
// replica lifecycle.
type StateModelDefinition struct {
	Name         string
	StatesInPriorityOrder []string
	InitialState string
	// Transitions maps fromState -> toState -> priority (lower first).
	Transitions map[string]map[string]int
	UpperBounds map[string]StateCount
	// TransitionPriorities orders candidate next-transitions globally,
	// highest priority first, ties broken by toState's position in
	// StatesInPriorityOrder.
	TransitionPriorities []string
}

// IsValidTransition reports whether from->to is an edge in the table.
func (d *StateModelDefinition) IsValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	tos, ok := d.Transitions[from]
	if !ok {
		return false
	}
	_, ok = tos[to]
	return ok
}

// UpperBound resolves a state's concrete upper bound, defaulting to
// Unbounded for states not explicitly configured.
func (d *StateModelDefinition) UpperBound(state string, liveCount, replicaCount int) int {
	b, ok := d.UpperBounds[state]
	if !ok {
		return Unbounded.Fixed
	}
	return b.Resolve(liveCount, replicaCount)
}

// PartitionCurrentState is one partition's record within a
// (instance,session,resource) CurrentState document.
type PartitionCurrentState struct {
	State         string
	RequestedState string
	Info          string
}

// CurrentState is the authoritative per-(instance,session,resource)
// observed state document.
type CurrentState struct {
	Instance  string
	SessionID string
	Resource  string
	Version   uint64

	// BucketSize > 0 indicates the partition map is conceptually sharded
	// across bucketSize child records; the reference adapter always
	// keeps the whole map as one record (see DESIGN.md open question).
	BucketSize int

	Partitions map[string]*PartitionCurrentState
}

// StateOf returns the observed state for a partition, or "" if absent.
func (cs *CurrentState) StateOf(partition string) string {
	p, ok := cs.Partitions[partition]
	if !ok {
		return ""
	}
	return p.State
}

// MessageType enumerates the wire types a Message may carry.
type MessageType string

const (
	MessageTypeStateTransition MessageType = "STATE_TRANSITION"
	MessageTypeTaskReply       MessageType = "TASK_REPLY"
	MessageTypeCancellation    MessageType = "CANCELLATION"
	MessageTypeNoOp            MessageType = "NO_OP"
	MessageTypeShutdown        MessageType = "SHUTDOWN"
)

// Message is the versioned wire record dispatched to a participant's
// inbound queue.
type Message struct {
	ID                    string
	Version               uint64
	Type                  MessageType
	SubType               string
	SrcName               string
	TgtName               string
	TgtSessionID          string
	ResourceName          string
	PartitionName         string
	StateModelDef         string
	FromState             string
	ToState               string
	CreateTimestamp       time.Time
	ExecuteStartTimestamp time.Time
	RetryCount            int
	Timeout               time.Duration
}

// Key identifies the (instance, resource, partition) slot this message
// occupies — at most one outstanding message may exist per key.
func (m *Message) Key() string {
	return m.TgtName + "/" + m.ResourceName + "/" + m.PartitionName
}

// ExternalView is the aggregated, eventually consistent public view of
// one resource's partition placement.
type ExternalView struct {
	Resource string
	Version  uint64
	// Partitions maps partition -> instance -> state.
	Partitions map[string]map[string]string
}

// Assignment is a rebalancer's output for one partition: the target
// instance -> state map, ignoring throttles.
type Assignment map[string]string // instance -> state
