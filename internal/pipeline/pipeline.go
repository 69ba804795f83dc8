// Package pipeline is the controller run loop (spec.md §2, §4.4, §5):
// cache refresh, best-possible computation, throttled intermediate
// state, message generation, and dispatch — the throttle budget is
// allocated across all resources at once, messages are generated in
// deterministic resource order, single-flight with coalesced re-triggers.
//
// Grounded on the teacher's pkg/reconciler.Reconciler: a ticker-driven
// run loop with a stop channel and per-cycle error logging, generalized
// from node/container reconciliation into the seven-stage pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/partitionctl/internal/cache"
	"github.com/cuemby/partitionctl/internal/events"
	"github.com/cuemby/partitionctl/internal/log"
	"github.com/cuemby/partitionctl/internal/metrics"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/rebalance"
	"github.com/cuemby/partitionctl/internal/store"
	"github.com/cuemby/partitionctl/internal/throttle"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline runs the controller's rebalance/throttle/dispatch cycle.
// Only the elected leader should run one.
type Pipeline struct {
	store    store.Store
	cache    *cache.Cache
	registry *rebalance.Registry
	delay    *rebalance.DelayTracker
	broker   *events.Broker
	logger   zerolog.Logger

	interval time.Duration

	mu       sync.Mutex
	running  bool
	pending  bool
	triggerC chan struct{}
	stopC    chan struct{}
}

// New builds a Pipeline. interval is the fallback ticker period; actual
// runs are also triggered on demand via Trigger.
func New(s store.Store, c *cache.Cache, registry *rebalance.Registry, delay *rebalance.DelayTracker, broker *events.Broker, interval time.Duration) *Pipeline {
	return &Pipeline{
		store:    s,
		cache:    c,
		registry: registry,
		delay:    delay,
		broker:   broker,
		logger:   log.WithComponent("pipeline"),
		interval: interval,
		triggerC: make(chan struct{}, 1),
		stopC:    make(chan struct{}),
	}
}

// Start begins the run loop in a goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop halts the run loop.
func (p *Pipeline) Stop() {
	close(p.stopC)
}

// Trigger requests a run as soon as possible. If a run is already in
// flight, the request is coalesced into a single follow-up run instead
// of queuing one trigger per call (spec.md §4.4's "event-driven with a
// coalescing window" requirement).
func (p *Pipeline) Trigger() {
	select {
	case p.triggerC <- struct{}{}:
	default:
		metrics.PipelineCoalescedTriggersTotal.Inc()
	}
}

func (p *Pipeline) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Msg("pipeline started")

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.triggerC:
			p.runOnce(ctx)
		case <-p.stopC:
			p.logger.Info().Msg("pipeline stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnce enforces single-flight: if a run is already executing when
// called, the call is recorded as a pending follow-up rather than
// running concurrently.
func (p *Pipeline) runOnce(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.pending = true
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	for {
		if err := p.Run(ctx); err != nil {
			p.logger.Error().Err(err).Msg("pipeline run failed")
		}

		p.mu.Lock()
		if !p.pending {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.mu.Unlock()
	}
}

// Run executes one full pipeline pass: cache refresh, best-possible
// computation per resource, throttled intermediate state, message
// generation, and dispatch.
func (p *Pipeline) Run(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PipelineRunDuration)

	runID := uuid.NewString()
	p.broker.Publish(&events.Event{ID: runID, Type: events.EventPipelineRunStarted})

	if err := p.cache.Refresh(ctx); err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("abort").Inc()
		p.broker.Publish(&events.Event{ID: runID, Type: events.EventPipelineRunAborted, Message: err.Error()})
		return fmt.Errorf("cache refresh: %w", err)
	}
	snap := p.cache.Current()

	if snap.ClusterConfig.PipelineDisabled {
		metrics.PipelineRunsTotal.WithLabelValues("disabled").Inc()
		return nil
	}

	p.observeLiveness(snap)

	var toDispatch []dispatchItem
	var toCancel []dispatchItem

	metrics.ResourcesTotal.Set(float64(len(snap.IdealStates)))
	metrics.LiveInstancesTotal.Set(float64(len(snap.LiveInstances)))

	pendingByInstance := snap.PendingMessages
	budget := throttle.NewBudgetTracker(snap.ClusterConfig, pendingByInstance)

	// Every resource's best-possible state and current state are
	// collected before any throttle budget is spent, so the engine can
	// queue recovery partitions across the whole cluster ahead of
	// load-balance partitions instead of draining the budget resource
	// by resource in alphabetical order.
	var inputs []throttle.ResourceInput
	currentByResource := make(map[string]map[string]map[string]string, len(snap.IdealStates))

	for _, resource := range sortedKeys(snap.IdealStates) {
		is := snap.IdealStates[resource]
		def, ok := snap.StateModels[is.StateModelRef]
		if !ok {
			p.logger.Error().Str("resource", resource).Str("state_model", is.StateModelRef).Msg("unknown state model reference, skipping resource")
			continue
		}

		rebalancer, err := rebalance.ForMode(is.RebalanceMode, p.registry)
		if err != nil {
			p.logger.Error().Err(err).Str("resource", resource).Msg("no rebalancer for mode")
			continue
		}

		best, err := rebalancer.Compute(snap, is, def, p.delay)
		if err != nil {
			p.logger.Error().Err(err).Str("resource", resource).Msg("best-possible computation failed")
			continue
		}

		if snap.ClusterConfig.PersistBestPossible {
			p.persistExternalView(ctx, "/BESTPOSSIBLE/"+resource, resource, best)
		}

		current := currentStatesByPartition(snap, resource)
		currentByResource[resource] = current

		inputs = append(inputs, throttle.ResourceInput{
			Resource:  resource,
			Def:       def,
			MinActive: is.MinActiveReplias,
			Current:   current,
			Best:      best,
		})
	}

	engine := &throttle.Engine{Budget: budget}
	plans, violations := engine.ComputeAll(inputs)
	for _, v := range violations {
		p.logger.Warn().Err(v).Msg("state model violation")
		p.broker.Publish(&events.Event{Type: events.EventPartitionError, Message: v.Error()})
	}

	for _, resource := range sortedKeys(snap.IdealStates) {
		plan, ok := plans[resource]
		if !ok {
			continue // skipped earlier: unknown state model, no rebalancer, or best-possible failure
		}
		is := snap.IdealStates[resource]
		def := snap.StateModels[is.StateModelRef]
		current := currentByResource[resource]

		if snap.ClusterConfig.PersistIntermediate {
			intermediateView := make(map[string]model.Assignment, len(plan.Steps))
			for partition, step := range plan.Steps {
				intermediateView[partition] = step.Intermediate
			}
			p.persistExternalView(ctx, "/INTERMEDIATE/"+resource, resource, intermediateView)
		}

		for _, partition := range sortedPlanKeys(plan.Steps) {
			step := plan.Steps[partition]
			for _, instance := range sortedAssignmentKeys(step.Intermediate) {
				toState := step.Intermediate[instance]
				fromState := current[partition][instance]

				if existing := snap.PendingMessageFor(instance, resource, partition); existing != nil {
					if existing.ToState == toState {
						continue // already in flight toward the same target
					}
					if snap.ClusterConfig.TransitionCancelEnabled {
						toCancel = append(toCancel, dispatchItem{instance: instance, resource: resource, message: existing})
					} else {
						continue // leave the in-flight transition alone
					}
				}

				msg := &model.Message{
					ID:              uuid.NewString(),
					Type:            model.MessageTypeStateTransition,
					TgtName:         instance,
					ResourceName:    resource,
					PartitionName:   partition,
					StateModelDef:   def.Name,
					FromState:       fromState,
					ToState:         toState,
					CreateTimestamp: time.Now(),
				}
				if live, ok := snap.LiveInstances[instance]; ok {
					msg.TgtSessionID = live.SessionID
				}
				toDispatch = append(toDispatch, dispatchItem{instance: instance, resource: resource, message: msg})

				if err := p.writeRequestedState(ctx, snap, instance, resource, partition, toState); err != nil {
					p.logger.Error().Err(err).Str("instance", instance).Str("resource", resource).Str("partition", partition).Msg("failed to pre-write requested state")
				}
			}
		}
	}

	for _, c := range toCancel {
		p.cancelMessage(ctx, c.instance, c.message)
	}
	p.dispatchMessages(ctx, toDispatch)

	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	p.broker.Publish(&events.Event{ID: runID, Type: events.EventPipelineRunFinished})
	return nil
}

func (p *Pipeline) observeLiveness(snap *cache.Snapshot) {
	now := time.Now()
	live := make(map[string]bool, len(snap.InstanceConfigs))
	for name := range snap.InstanceConfigs {
		_, isLive := snap.LiveInstances[name]
		live[name] = isLive
	}
	p.delay.Observe(now, live)
	if expiry := p.delay.NextExpiry(now, live); !expiry.IsZero() {
		time.AfterFunc(expiry.Sub(now), p.Trigger)
	}
}

func currentStatesByPartition(snap *cache.Snapshot, resource string) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for instance, perResource := range snap.CurrentStates {
		cs, ok := perResource[resource]
		if !ok {
			continue
		}
		for partition, pcs := range cs.Partitions {
			if out[partition] == nil {
				out[partition] = make(map[string]string)
			}
			out[partition][instance] = pcs.State
		}
	}
	return out
}

func (p *Pipeline) persistExternalView(ctx context.Context, path, resource string, assignments map[string]model.Assignment) {
	partitions := make(map[string]map[string]string, len(assignments))
	for partition, a := range assignments {
		partitions[partition] = a
	}
	ev := model.ExternalView{Resource: resource, Partitions: partitions}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error().Err(err).Str("resource", resource).Msg("failed to marshal external view")
		return
	}
	if _, err := p.store.Update(ctx, path, func([]byte, store.Stat) ([]byte, error) {
		return data, nil
	}); err != nil {
		p.logger.Error().Err(err).Str("path", path).Msg("failed to persist view")
	}
}

// writeRequestedState pre-writes the target state into the instance's
// CurrentState record before the transition message is dispatched, so
// a participant observing the record already knows the intended target
// (spec.md §4.4).
func (p *Pipeline) writeRequestedState(ctx context.Context, snap *cache.Snapshot, instance, resource, partition, toState string) error {
	live, ok := snap.LiveInstances[instance]
	if !ok {
		return nil
	}
	path := "/INSTANCES/" + instance + "/CURRENTSTATES/" + live.SessionID + "/" + resource
	_, err := p.store.Update(ctx, path, func(current []byte, stat store.Stat) ([]byte, error) {
		var cs model.CurrentState
		if len(current) > 0 {
			if err := json.Unmarshal(current, &cs); err != nil {
				return nil, err
			}
		} else {
			cs = model.CurrentState{Instance: instance, SessionID: live.SessionID, Resource: resource, Partitions: map[string]*model.PartitionCurrentState{}}
		}
		if cs.Partitions == nil {
			cs.Partitions = map[string]*model.PartitionCurrentState{}
		}
		pcs, ok := cs.Partitions[partition]
		if !ok {
			pcs = &model.PartitionCurrentState{}
			cs.Partitions[partition] = pcs
		}
		pcs.RequestedState = toState
		return json.Marshal(cs)
	})
	return err
}

func (p *Pipeline) cancelMessage(ctx context.Context, instance string, existing *model.Message) {
	cancel := &model.Message{
		ID:              uuid.NewString(),
		Type:            model.MessageTypeCancellation,
		TgtName:         instance,
		TgtSessionID:    existing.TgtSessionID,
		ResourceName:    existing.ResourceName,
		PartitionName:   existing.PartitionName,
		StateModelDef:   existing.StateModelDef,
		FromState:       existing.FromState,
		ToState:         existing.ToState,
		CreateTimestamp: time.Now(),
	}
	data, err := json.Marshal(cancel)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal cancellation message")
		return
	}
	path := "/INSTANCES/" + instance + "/MESSAGES/" + cancel.ID
	if _, _, err := p.store.Create(ctx, path, data); err != nil {
		p.logger.Error().Err(err).Str("path", path).Msg("failed to dispatch cancellation")
		return
	}
	metrics.MessagesCancelledTotal.Inc()
	p.broker.Publish(&events.Event{Type: events.EventMessageCancelled, Message: cancel.Key()})
}

// dispatchItem pairs an outbound message with the instance it targets.
type dispatchItem struct {
	instance string
	resource string
	message  *model.Message
}

// dispatchMessages writes every pending message with a bounded-
// concurrency batch, grounded on the teacher's errgroup.SetLimit usage
// elsewhere in the store adapter.
func (p *Pipeline) dispatchMessages(ctx context.Context, msgs []dispatchItem) {
	if len(msgs) == 0 {
		return
	}
	paths := make([]string, len(msgs))
	data := make([][]byte, len(msgs))
	for i, d := range msgs {
		paths[i] = "/INSTANCES/" + d.instance + "/MESSAGES/" + d.message.ID
		b, err := json.Marshal(d.message)
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to marshal message")
			continue
		}
		data[i] = b
	}

	_, errs := p.store.BatchCreate(ctx, paths, data)
	for i, err := range errs {
		m := msgs[i].message
		if err != nil {
			if store.IsVersionConflict(err) {
				p.logger.Warn().Str("path", paths[i]).Msg("message dispatch superseded by a newer pipeline run")
				continue
			}
			p.logger.Error().Err(err).Str("path", paths[i]).Msg("failed to dispatch message")
			continue
		}
		metrics.MessagesDispatchedTotal.WithLabelValues(m.ResourceName, m.ToState).Inc()
		p.broker.Publish(&events.Event{Type: events.EventMessageDispatched, Message: m.Key()})
	}
}

func sortedKeys(m map[string]*model.IdealState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPlanKeys(m map[string]throttle.Step) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedAssignmentKeys(m model.Assignment) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

