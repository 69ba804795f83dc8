package statemodel

import (
	"context"
	"testing"

	"github.com/cuemby/partitionctl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterSlaveTransitionTable(t *testing.T) {
	def := MasterSlave()
	assert.True(t, def.IsValidTransition("OFFLINE", "SLAVE"))
	assert.False(t, def.IsValidTransition("OFFLINE", "MASTER"), "must not allow a direct jump to MASTER")
	assert.True(t, def.IsValidTransition("SLAVE", "MASTER"))
	assert.True(t, def.IsValidTransition("ERROR", "OFFLINE"))
}

func TestMasterSlaveUpperBounds(t *testing.T) {
	def := MasterSlave()
	assert.Equal(t, 1, def.UpperBound("MASTER", 5, 3))
	assert.Equal(t, 3, def.UpperBound("SLAVE", 5, 3))
}

func TestOnlineOfflineUpperBounds(t *testing.T) {
	def := OnlineOffline()
	assert.Equal(t, 3, def.UpperBound("ONLINE", 5, 3))
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	def := MasterSlave()
	called := false
	r.Register(def, FactoryFunc(func(resource, partition string) Handler {
		called = true
		return stubHandler{}
	}))

	got, ok := r.Definition(def.Name)
	require.True(t, ok)
	assert.Equal(t, def, got)

	h, err := r.NewHandler(def.Name, "res", "res_0")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, called)
}

func TestRegistryUnknownName(t *testing.T) {
	r := NewRegistry()
	_, err := r.NewHandler("NoSuchModel", "res", "res_0")
	assert.Error(t, err)
}

type stubHandler struct{}

func (stubHandler) Transition(ctx context.Context, from, to string, msg *model.Message) (string, error) {
	return "", nil
}
func (stubHandler) OnReset(ctx context.Context) error                        { return nil }
func (stubHandler) OnError(ctx context.Context, err error)                   {}
func (stubHandler) OnCancel(ctx context.Context, msg *model.Message)          {}
