package main

import (
	"context"
	"fmt"

	"github.com/cuemby/partitionctl/internal/log"
	"github.com/cuemby/partitionctl/internal/model"
	"github.com/cuemby/partitionctl/internal/statemodel"
	"github.com/rs/zerolog"
)

// loggingHandler is the built-in state-model handler this binary ships
// with: it logs every transition and reports success immediately. A
// real deployment registers its own Handler for the resource it owns;
// this one exists so `participantd run` has something to drive out of
// the box for the OnlineOffline/MasterSlave scenarios in spec.md §8.
type loggingHandler struct {
	resource, partition string
	logger              zerolog.Logger
}

func newLoggingHandlerFactory(logger zerolog.Logger) statemodel.FactoryFunc {
	return func(resource, partition string) statemodel.Handler {
		return &loggingHandler{resource: resource, partition: partition, logger: log.WithPartition(resource, partition)}
	}
}

func (h *loggingHandler) Transition(ctx context.Context, from, to string, msg *model.Message) (string, error) {
	h.logger.Info().Str("from", from).Str("to", to).Msg("transition")
	return fmt.Sprintf("%s->%s", from, to), nil
}

func (h *loggingHandler) OnReset(ctx context.Context) error {
	h.logger.Info().Msg("reset")
	return nil
}

func (h *loggingHandler) OnError(ctx context.Context, err error) {
	h.logger.Error().Err(err).Msg("handler error")
}

func (h *loggingHandler) OnCancel(ctx context.Context, msg *model.Message) {
	h.logger.Warn().Str("to_state", msg.ToState).Msg("transition cancelled")
}
