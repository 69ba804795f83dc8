// Package participant is the executor side (spec.md §4.5, §5, §9): it
// watches its own inbound message queue, runs one state-model handler
// at a time per (resource, partition), and writes the observed result
// back as CurrentState.
//
// Grounded on the teacher's pkg/worker.Worker: a poll loop that syncs
// assigned work and spawns one goroutine per unit of work tracked in a
// mutex-guarded map (containerExecutorLoop/syncContainers/
// executeContainer), generalized here from polling assigned containers
// to subscribing on the message queue and bounding concurrency with a
// semaphore instead of one goroutine per container.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/partitionctl/internal/log"
	"github.com/cuemby/partitionctl/internal/metrics"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/cuemby/partitionctl/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const defaultHandlerTimeout = 30 * time.Second

// Executor watches one participant's message queue and dispatches
// state-model transitions, keeping at most one handler in flight per
// (resource, partition) key.
type Executor struct {
	instance  string
	sessionID string
	store     store.Store
	registry  *statemodel.Registry
	sem       *semaphore.Weighted
	logger    zerolog.Logger

	mu        sync.Mutex
	inFlight  map[string]bool               // resource/partition key currently being handled
	processed map[string]bool               // message ids already claimed, to avoid duplicate dispatch on re-delivery
	handlers  map[string]statemodel.Handler // resource/partition key -> the handler instance cached for its lifetime

	stopC chan struct{}
}

// New builds an Executor for instance's inbound queue, bounding
// concurrent handler invocations to concurrency.
func New(instance, sessionID string, s store.Store, registry *statemodel.Registry, concurrency int64) *Executor {
	return &Executor{
		instance:  instance,
		sessionID: sessionID,
		store:     s,
		registry:  registry,
		sem:       semaphore.NewWeighted(concurrency),
		logger:    log.WithInstance(instance),
		inFlight:  make(map[string]bool),
		processed: make(map[string]bool),
		handlers:  make(map[string]statemodel.Handler),
		stopC:     make(chan struct{}),
	}
}

// Start subscribes to this instance's message queue and begins
// dispatching. It blocks until ctx is cancelled or Stop is called.
func (e *Executor) Start(ctx context.Context) error {
	base := "/INSTANCES/" + e.instance + "/MESSAGES"
	events, cancel, err := e.store.SubscribeChildren(ctx, base)
	if err != nil {
		return fmt.Errorf("subscribe to message queue: %w", err)
	}
	defer cancel()

	// Catch up on whatever is already queued before waiting on events.
	e.drain(ctx, base)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == store.EventChildrenChanged {
				e.drain(ctx, base)
			}
		case <-e.stopC:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop halts the executor's subscription loop. In-flight handlers are
// not interrupted.
func (e *Executor) Stop() {
	close(e.stopC)
}

func (e *Executor) drain(ctx context.Context, base string) {
	ids, err := e.store.GetChildren(ctx, base)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list pending messages")
		return
	}
	for _, id := range ids {
		e.mu.Lock()
		already := e.processed[id]
		if !already {
			e.processed[id] = true
		}
		e.mu.Unlock()
		if already {
			continue
		}
		go e.handle(ctx, base+"/"+id)
	}
}

func (e *Executor) handle(ctx context.Context, path string) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.sem.Release(1)

	data, _, err := e.store.Get(ctx, path)
	if store.IsNotFound(err) {
		return // already consumed by a prior delivery
	}
	if err != nil {
		e.logger.Error().Err(err).Str("path", path).Msg("failed to read message")
		return
	}

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Error().Err(err).Str("path", path).Msg("failed to decode message")
		return
	}

	if msg.TgtSessionID != "" && msg.TgtSessionID != e.sessionID {
		e.logger.Warn().Str("path", path).Msg("dropping message addressed to a prior session")
		e.deleteMessage(ctx, path)
		return
	}

	key := msg.ResourceName + "/" + msg.PartitionName
	if !e.claim(key) {
		// another message for this partition is already being handled;
		// retry this message after a short pause.
		go func() {
			time.Sleep(50 * time.Millisecond)
			e.handle(ctx, path)
		}()
		return
	}
	defer e.release(key)

	switch msg.Type {
	case model.MessageTypeCancellation:
		e.handleCancellation(ctx, &msg)
	case model.MessageTypeStateTransition:
		e.handleTransition(ctx, &msg)
	default:
		e.logger.Warn().Str("type", string(msg.Type)).Msg("ignoring unsupported message type")
	}

	e.deleteMessage(ctx, path)
}

func (e *Executor) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

func (e *Executor) deleteMessage(ctx context.Context, path string) {
	if err := e.store.Delete(ctx, path, store.UnconditionalVersion); err != nil && !store.IsNotFound(err) {
		e.logger.Error().Err(err).Str("path", path).Msg("failed to remove processed message")
	}
}

// handlerFor returns the handler cached for (resource, partition),
// building one via the registered factory on first use. The same
// instance is reused for every subsequent message against that
// partition for the rest of its lifetime on this participant, so
// handler-local state (e.g. a connection opened on first transition)
// survives across a partition's transition sequence (spec.md §4.5).
func (e *Executor) handlerFor(stateModel, resource, partition string) (statemodel.Handler, error) {
	key := resource + "/" + partition
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handlers[key]; ok {
		return h, nil
	}
	h, err := e.registry.NewHandler(stateModel, resource, partition)
	if err != nil {
		return nil, err
	}
	e.handlers[key] = h
	return h, nil
}

// disposeHandler discards the cached handler for (resource, partition)
// once it has transitioned to DROPPED; the state model never revisits
// a dropped partition, so nothing should reference the handler again.
func (e *Executor) disposeHandler(resource, partition string) {
	key := resource + "/" + partition
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, key)
}

func (e *Executor) handleCancellation(ctx context.Context, msg *model.Message) {
	handler, err := e.handlerFor(msg.StateModelDef, msg.ResourceName, msg.PartitionName)
	if err != nil {
		e.logger.Warn().Err(err).Msg("no handler registered to receive cancellation")
		return
	}
	handler.OnCancel(ctx, msg)
	metrics.MessagesCancelledTotal.Inc()
}

func (e *Executor) handleTransition(ctx context.Context, msg *model.Message) {
	timer := metrics.NewTimer()
	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.validateFromState(ctx, msg); err != nil {
		e.logger.Warn().Err(err).Msg("stale transition message, skipping")
		return
	}

	handler, err := e.handlerFor(msg.StateModelDef, msg.ResourceName, msg.PartitionName)
	if err != nil {
		e.logger.Error().Err(err).Msg("no handler registered for state model")
		e.markError(ctx, msg, err)
		return
	}

	if msg.FromState == "ERROR" {
		if err := handler.OnReset(hctx); err != nil {
			e.logger.Warn().Err(err).Msg("handler reset before recovery transition failed")
			e.markError(ctx, msg, err)
			return
		}
	}

	info, err := handler.Transition(hctx, msg.FromState, msg.ToState, msg)
	timer.ObserveDuration(metrics.HandlerDuration)

	if err != nil {
		metrics.HandlerInvocationsTotal.WithLabelValues("error").Inc()
		handler.OnError(ctx, err)
		e.markError(ctx, msg, err)
		return
	}
	if hctx.Err() != nil {
		metrics.HandlerInvocationsTotal.WithLabelValues("timeout").Inc()
		handler.OnError(ctx, hctx.Err())
		e.markError(ctx, msg, hctx.Err())
		return
	}

	metrics.HandlerInvocationsTotal.WithLabelValues("success").Inc()
	e.writeCurrentState(ctx, msg, msg.ToState, info)
	if msg.ToState == "DROPPED" {
		e.disposeHandler(msg.ResourceName, msg.PartitionName)
	}
}

func (e *Executor) validateFromState(ctx context.Context, msg *model.Message) error {
	cs, err := e.readCurrentState(ctx, msg.ResourceName)
	if err != nil {
		return nil // no record yet; treat the model's declared FromState as authoritative
	}
	observed := cs.StateOf(msg.PartitionName)
	if observed != "" && observed != msg.FromState {
		return fmt.Errorf("observed state %q does not match message FromState %q", observed, msg.FromState)
	}
	return nil
}

func (e *Executor) currentStatePath(resource string) string {
	return "/INSTANCES/" + e.instance + "/CURRENTSTATES/" + e.sessionID + "/" + resource
}

func (e *Executor) readCurrentState(ctx context.Context, resource string) (*model.CurrentState, error) {
	data, _, err := e.store.Get(ctx, e.currentStatePath(resource))
	if err != nil {
		return nil, err
	}
	var cs model.CurrentState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (e *Executor) writeCurrentState(ctx context.Context, msg *model.Message, state, info string) {
	_, err := e.store.Update(ctx, e.currentStatePath(msg.ResourceName), func(current []byte, stat store.Stat) ([]byte, error) {
		cs := model.CurrentState{Instance: e.instance, SessionID: e.sessionID, Resource: msg.ResourceName, Partitions: map[string]*model.PartitionCurrentState{}}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &cs); err != nil {
				return nil, err
			}
		}
		if cs.Partitions == nil {
			cs.Partitions = map[string]*model.PartitionCurrentState{}
		}
		cs.Partitions[msg.PartitionName] = &model.PartitionCurrentState{State: state, Info: info}
		return json.Marshal(cs)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("resource", msg.ResourceName).Str("partition", msg.PartitionName).Msg("failed to write current state")
	}
}

func (e *Executor) markError(ctx context.Context, msg *model.Message, cause error) {
	metrics.PartitionsMarkedErrorTotal.Inc()
	e.writeCurrentState(ctx, msg, "ERROR", cause.Error())
}
