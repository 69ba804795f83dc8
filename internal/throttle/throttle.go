// Package throttle is the Intermediate-State / Throttle Engine
// (spec.md §4.3): given current state, pending messages, and the
// best-possible target, it emits the next legal step — transitions
// that are both valid state-model edges and within throttle budgets.
//
// Grounded on the FROM_STATE/TO_STATE validation in the gohelix
// participant.go reference file for what a legal single step looks
// like, and on the teacher's pkg/metrics Timer/GaugeVec usage for
// instrumenting budget consumption.
package throttle

import (
	"fmt"
	"sort"

	"github.com/cuemby/partitionctl/internal/metrics"
	"github.com/cuemby/partitionctl/internal/model"
)

// Classification distinguishes recovery transitions (restoring a
// partition's minimum/top-state replicas) from load-balance ones
// (spec.md §4.3).
type Classification int

const (
	LoadBalance Classification = iota
	Recovery
)

func (c Classification) String() string {
	if c == Recovery {
		return "recovery"
	}
	return "load_balance"
}

// Step is one partition's computed next-step instance->state map,
// alongside its classification (used by callers that need to report
// recovery-priority metrics or decide cancellations).
type Step struct {
	Resource       string
	Partition      string
	Intermediate   model.Assignment
	Classification Classification
}

// ErrStateModelViolation is wrapped into the error returned when a
// partition's observed current state is not recognized by its state
// model at all — spec.md §7's fatal, per-partition assertion
// (scenario S4): no transition messages are generated for that
// partition until the violation clears.
var ErrStateModelViolation = fmt.Errorf("throttle: state model violation")

// scopeLimits holds the configured budget at one scope (cluster,
// resource, or instance): an optional max per classification, plus an
// optional ANY-scope max that is a single pool shared by BOTH
// classifications — spec.md §4.3's "scope of {LOAD_BALANCE,
// RECOVERY_BALANCE, ANY}" means ANY caps total concurrent transitions
// regardless of classification, not a separate cap per classification.
type scopeLimits struct {
	class  map[Classification]int
	any    int
	hasAny bool
}

// scopeUsage mirrors scopeLimits: per-classification counters plus one
// shared ANY counter both classifications bump.
type scopeUsage struct {
	class map[Classification]int
	any   int
}

func newScopeUsage() *scopeUsage {
	return &scopeUsage{class: make(map[Classification]int)}
}

// BudgetTracker enforces the three throttle scopes (cluster-wide,
// per-resource, per-instance) split by classification, seeded from
// already-in-flight pending messages so a freshly started pipeline run
// does not over-dispatch on top of work already outstanding.
type BudgetTracker struct {
	clusterLimits    scopeLimits
	resourceLimits   map[string]scopeLimits
	instanceLimits   map[string]scopeLimits
	resourceDefaults scopeLimits
	instanceDefaults scopeLimits

	clusterUsed  *scopeUsage
	resourceUsed map[string]*scopeUsage
	instanceUsed map[string]*scopeUsage
}

// NewBudgetTracker builds a tracker from ClusterConfig's declared
// throttles and seeds "used" counters from already-pending messages.
// ResourceThrottles/InstanceThrottles in spec.md's ClusterConfig apply
// uniformly as defaults; per-key overrides can be set afterward via
// SetResourceMax/SetInstanceMax.
func NewBudgetTracker(cc *model.ClusterConfig, pendingByInstance map[string][]*model.Message) *BudgetTracker {
	t := &BudgetTracker{
		clusterLimits:    limitsFromConfig(cc.ClusterThrottles),
		resourceLimits:   make(map[string]scopeLimits),
		instanceLimits:   make(map[string]scopeLimits),
		resourceDefaults: limitsFromConfig(cc.ResourceThrottles),
		instanceDefaults: limitsFromConfig(cc.InstanceThrottles),
		clusterUsed:      newScopeUsage(),
		resourceUsed:     make(map[string]*scopeUsage),
		instanceUsed:     make(map[string]*scopeUsage),
	}

	for instance, msgs := range pendingByInstance {
		for _, m := range msgs {
			// cancellation messages count against the budget too, until
			// the participant consumes them.
			cls := LoadBalance
			bump(t.clusterUsed, cls)
			bump(t.resourceUsageFor(m.ResourceName), cls)
			bump(t.instanceUsageFor(instance), cls)
		}
	}
	return t
}

// SetResourceMax overrides the per-resource budget for one resource,
// taking precedence over the ClusterConfig-wide ResourceThrottles.
func (t *BudgetTracker) SetResourceMax(resource string, cfgs []model.ThrottleConfig) {
	t.resourceLimits[resource] = limitsFromConfig(cfgs)
}

// SetInstanceMax overrides the per-instance budget for one instance,
// taking precedence over the ClusterConfig-wide InstanceThrottles.
func (t *BudgetTracker) SetInstanceMax(instance string, cfgs []model.ThrottleConfig) {
	t.instanceLimits[instance] = limitsFromConfig(cfgs)
}

func limitsFromConfig(cfgs []model.ThrottleConfig) scopeLimits {
	out := scopeLimits{class: make(map[Classification]int)}
	for _, c := range cfgs {
		switch c.Scope {
		case model.ThrottleScopeRecoveryBalance:
			setIfTighter(out.class, Recovery, c.Max)
		case model.ThrottleScopeLoadBalance:
			setIfTighter(out.class, LoadBalance, c.Max)
		case model.ThrottleScopeAny:
			if !out.hasAny || c.Max < out.any {
				out.any = c.Max
				out.hasAny = true
			}
		}
	}
	return out
}

func setIfTighter(m map[Classification]int, cls Classification, max int) {
	if cur, ok := m[cls]; !ok || max < cur {
		m[cls] = max
	}
}

func (t *BudgetTracker) resourceUsageFor(resource string) *scopeUsage {
	u, ok := t.resourceUsed[resource]
	if !ok {
		u = newScopeUsage()
		t.resourceUsed[resource] = u
	}
	return u
}

func (t *BudgetTracker) instanceUsageFor(instance string) *scopeUsage {
	u, ok := t.instanceUsed[instance]
	if !ok {
		u = newScopeUsage()
		t.instanceUsed[instance] = u
	}
	return u
}

func bump(u *scopeUsage, cls Classification) {
	u.class[cls]++
	u.any++
}

func remaining(max, used int) int {
	r := max - used
	if r < 0 {
		return 0
	}
	return r
}

// fits reports whether one more unit of cls can be consumed under
// limits given usage, checking the classification-specific cap (if
// any) and the shared ANY cap (if any) — both must have headroom.
func fits(limits scopeLimits, usage *scopeUsage, cls Classification) bool {
	if max, ok := limits.class[cls]; ok && remaining(max, usage.class[cls]) <= 0 {
		return false
	}
	if limits.hasAny && remaining(limits.any, usage.any) <= 0 {
		return false
	}
	return true
}

func (t *BudgetTracker) resourceLimitsFor(resource string) scopeLimits {
	if l, ok := t.resourceLimits[resource]; ok {
		return l
	}
	return t.resourceDefaults
}

func (t *BudgetTracker) instanceLimitsFor(instance string) scopeLimits {
	if l, ok := t.instanceLimits[instance]; ok {
		return l
	}
	return t.instanceDefaults
}

// TryConsume attempts to reserve one unit of budget at all three
// scopes for (resource, instance, classification); it either consumes
// all three atomically or none. A classification-specific cap and an
// ANY-scope cap at the same level both gate the same shared counters:
// ANY is a single pool recovery and load-balance transitions compete
// for, so a tight ANY budget still lets recovery win first as long as
// recovery-classified partitions are offered to TryConsume before
// load-balance ones (see globalQueue).
func (t *BudgetTracker) TryConsume(resource, instance string, cls Classification) bool {
	resLimits := t.resourceLimitsFor(resource)
	instLimits := t.instanceLimitsFor(instance)
	resUsage := t.resourceUsageFor(resource)
	instUsage := t.instanceUsageFor(instance)

	if !fits(t.clusterLimits, t.clusterUsed, cls) {
		return false
	}
	if !fits(resLimits, resUsage, cls) {
		return false
	}
	if !fits(instLimits, instUsage, cls) {
		return false
	}

	bump(t.clusterUsed, cls)
	bump(resUsage, cls)
	bump(instUsage, cls)
	metrics.ThrottleBudgetUsed.WithLabelValues("cluster", cls.String()).Set(float64(t.clusterUsed.class[cls]))
	metrics.ThrottleBudgetUsed.WithLabelValues("resource:"+resource, cls.String()).Set(float64(resUsage.class[cls]))
	metrics.ThrottleBudgetUsed.WithLabelValues("instance:"+instance, cls.String()).Set(float64(instUsage.class[cls]))
	return true
}

// Classify reports whether a partition is in recovery: fewer replicas
// in the top state than the model minimum, or any replica ERROR
// (spec.md §4.3).
func Classify(def *model.StateModelDefinition, minActive int, current map[string]string) Classification {
	topState := ""
	if len(def.StatesInPriorityOrder) > 0 {
		topState = def.StatesInPriorityOrder[0]
	}
	topCount := 0
	for _, state := range current {
		if state == "ERROR" {
			return Recovery
		}
		if state == topState {
			topCount++
		}
	}
	if topCount < minActive {
		return Recovery
	}
	return LoadBalance
}

// Engine computes the intermediate state for every resource in a
// snapshot, processing recovery partitions before load-balance ones in
// deterministic (resource, partition) order, as spec.md §4.3 and the
// Open Question resolution in DESIGN.md both require.
type Engine struct {
	Budget *BudgetTracker
}

// Plan is one resource's computed steps, keyed by partition.
type Plan struct {
	Steps map[string]Step
}

// nextStep finds the next edge in def's transition table from current
// toward target; when current == target, no step is needed. When
// current is not a recognized state of the model at all, it is a
// StateModelViolation.
func nextStep(def *model.StateModelDefinition, current, target string) (string, error) {
	if current == target {
		return current, nil
	}
	if current == "" {
		current = def.InitialState
	}
	if !isKnownState(def, current) {
		return "", fmt.Errorf("%w: unrecognized current state %q for model %q", ErrStateModelViolation, current, def.Name)
	}
	if def.IsValidTransition(current, target) {
		return target, nil
	}
	// One hop via the declared next-state with the lowest transition
	// priority number, when no direct edge toward target exists.
	best := ""
	bestPriority := 1 << 30
	for to, priority := range def.Transitions[current] {
		if priority < bestPriority {
			bestPriority = priority
			best = to
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no transition edge from %q toward %q in model %q", ErrStateModelViolation, current, target, def.Name)
	}
	return best, nil
}

func isKnownState(def *model.StateModelDefinition, state string) bool {
	if state == "ERROR" || state == "DROPPED" {
		return true
	}
	for _, s := range def.StatesInPriorityOrder {
		if s == state {
			return true
		}
	}
	_, ok := def.Transitions[state]
	return ok
}

// ResourceInput is one resource's slice of a pipeline run: its state
// model, minimum-active-replica requirement, observed current state,
// and best-possible target, as handed to ComputeAll.
type ResourceInput struct {
	Resource  string
	Def       *model.StateModelDefinition
	MinActive int
	Current   map[string]map[string]string
	Best      map[string]model.Assignment
}

// queuedPartition is one (resource, partition) awaiting a throttle
// decision, classified but not yet budget-checked.
type queuedPartition struct {
	resource  string
	partition string
	cls       Classification
}

// globalQueue flattens every resource's partitions into a single
// recovery-before-load-balance queue, ties broken by (resource,
// partition) name order. Classification must be known for every
// partition across every resource before any budget is consumed, or a
// resource processed early can exhaust the cluster-wide budget before
// a later resource's recovery partitions are even considered.
func globalQueue(inputs []ResourceInput) []queuedPartition {
	var queue []queuedPartition
	for _, in := range inputs {
		for _, p := range sortedPartitionNames(in.Best) {
			queue = append(queue, queuedPartition{in.Resource, p, Classify(in.Def, in.MinActive, in.Current[p])})
		}
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].cls != queue[j].cls {
			return queue[i].cls == Recovery
		}
		if queue[i].resource != queue[j].resource {
			return queue[i].resource < queue[j].resource
		}
		return queue[i].partition < queue[j].partition
	})
	return queue
}

func sortedPartitionNames(best map[string]model.Assignment) []string {
	out := make([]string, 0, len(best))
	for p := range best {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Compute emits the intermediate-state plan for one resource. current
// maps partition -> instance -> observed state; best maps partition
// -> instance -> target state (as computed by the rebalancer). It is a
// single-resource convenience wrapper around ComputeAll for callers
// (and tests) that only have one resource's inputs in hand; multi-
// resource callers must use ComputeAll so recovery partitions on one
// resource aren't starved of budget by load-balance partitions on
// another.
func (e *Engine) Compute(resource string, def *model.StateModelDefinition, minActive int, current map[string]map[string]string, best map[string]model.Assignment) (*Plan, []error) {
	plans, violations := e.ComputeAll([]ResourceInput{{
		Resource:  resource,
		Def:       def,
		MinActive: minActive,
		Current:   current,
		Best:      best,
	}})
	return plans[resource], violations
}

// ComputeAll emits the intermediate-state plan for every resource in
// inputs, processing recovery partitions across ALL resources before
// any load-balance partition on any resource, in deterministic
// (resource, partition) order within each classification — spec.md
// §4.3 and the Open Question resolution in DESIGN.md. Budget
// decisions are made against the single global queue, so a tight
// cluster-wide budget is always spent on recovery work first
// regardless of which resource happens to sort first alphabetically.
func (e *Engine) ComputeAll(inputs []ResourceInput) (map[string]*Plan, []error) {
	plans := make(map[string]*Plan, len(inputs))
	byResource := make(map[string]ResourceInput, len(inputs))
	for _, in := range inputs {
		plans[in.Resource] = &Plan{Steps: make(map[string]Step)}
		byResource[in.Resource] = in
	}

	var violations []error
	for _, q := range globalQueue(inputs) {
		in := byResource[q.resource]
		target := in.Best[q.partition]
		intermediate := make(model.Assignment, len(target))

		instances := make([]string, 0, len(target))
		for inst := range target {
			instances = append(instances, inst)
		}
		sort.Strings(instances)

		violated := false
		for _, inst := range instances {
			cur := in.Current[q.partition][inst]
			step, err := nextStep(in.Def, cur, target[inst])
			if err != nil {
				violations = append(violations, fmt.Errorf("%s/%s on %s: %w", q.resource, q.partition, inst, err))
				violated = true
				continue
			}
			if step == cur {
				continue // no change needed
			}
			if e.Budget != nil && !e.Budget.TryConsume(q.resource, inst, q.cls) {
				continue // throttled this pipeline run
			}
			intermediate[inst] = step
		}
		if violated {
			metrics.PartitionsMarkedErrorTotal.Inc()
			continue // spec.md S4: no transition messages for this partition at all
		}
		if len(intermediate) > 0 {
			plans[q.resource].Steps[q.partition] = Step{Resource: q.resource, Partition: q.partition, Intermediate: intermediate, Classification: q.cls}
		}
	}

	return plans, violations
}
