package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/events"
	"github.com/coderelay/coderelay/pkg/governor"
	"github.com/coderelay/coderelay/pkg/models"
)

func testContext() *Context {
	bus := events.NewBus(config.EventsConfig{RingSize: 16, SubscriberQueueSize: 16})
	costs := governor.NewCostTracker(config.CostConfig{SessionLimitUSD: 5, DailyLimitUSD: 10, WarningFraction: 0.8})
	return NewContext(bus, costs)
}

type forgetRecorder struct{ forgot []string }

func (f *forgetRecorder) Forget(agentID string) { f.forgot = append(f.forgot, agentID) }

func TestRegisterManualIdempotent(t *testing.T) {
	ctx := testContext()

	first := ctx.RegisterManual("a1", "Agent One", []string{"git"})
	assert.Equal(t, models.ConnectionUnregistered, first.ConnectionState)
	assert.Equal(t, models.TaskIdle, first.TaskState)

	again := ctx.RegisterManual("a1", "", nil)
	assert.Equal(t, "Agent One", again.DisplayName)
	assert.Equal(t, []string{"git"}, again.Capabilities)

	updated := ctx.RegisterManual("a1", "Renamed", nil)
	assert.Equal(t, "Renamed", updated.DisplayName)
	assert.Len(t, ctx.List(), 1)
}

func TestRegisterConnectedReplacesAtomically(t *testing.T) {
	ctx := testContext()
	reset := &forgetRecorder{}
	ctx.SetTaskResetter(reset)

	ctx.RegisterManual("a1", "Agent One", []string{"git"})
	ctx.RegisterConnected(&models.Agent{
		AgentID:         "a1",
		ConnectionState: models.ConnectionConnected,
		TaskState:       models.TaskIdle,
		Workdir:         "/workspaces/a1",
	})

	agent, ok := ctx.Agent("a1")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionConnected, agent.ConnectionState)
	// Manual metadata survives when the bridge omits it.
	assert.Equal(t, "Agent One", agent.DisplayName)
	assert.Equal(t, []string{"git"}, agent.Capabilities)
	// The replacement never inherits an in-flight task.
	assert.Equal(t, []string{"a1"}, reset.forgot)
}

func TestListStableOrder(t *testing.T) {
	ctx := testContext()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		ctx.RegisterManual(id, "", nil)
	}
	list := ctx.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].AgentID)
	assert.Equal(t, "bravo", list[1].AgentID)
	assert.Equal(t, "charlie", list[2].AgentID)
}

func TestClonesDoNotAliasRegistry(t *testing.T) {
	ctx := testContext()
	ctx.RegisterManual("a1", "Agent", []string{"git"})

	clone, _ := ctx.Agent("a1")
	clone.DisplayName = "mutated"
	clone.Capabilities[0] = "mutated"

	fresh, _ := ctx.Agent("a1")
	assert.Equal(t, "Agent", fresh.DisplayName)
	assert.Equal(t, "git", fresh.Capabilities[0])
}

func TestTaskAndLivenessUpdates(t *testing.T) {
	ctx := testContext()
	ctx.RegisterConnected(&models.Agent{
		AgentID:         "a1",
		ConnectionState: models.ConnectionConnected,
		TaskState:       models.TaskIdle,
	})

	ctx.UpdateTask("a1", models.TaskRunning, "m1", "")
	beat := time.Now()
	ctx.Heartbeat("a1", beat)

	agent, _ := ctx.Agent("a1")
	assert.Equal(t, models.TaskRunning, agent.TaskState)
	assert.Equal(t, "m1", agent.ActiveMessageID)
	assert.Equal(t, beat, agent.LastHeartbeatAt)

	ctx.MarkDisconnected("a1")
	agent, _ = ctx.Agent("a1")
	assert.Equal(t, models.ConnectionDisconnected, agent.ConnectionState)

	// Unknown agents are ignored.
	ctx.UpdateTask("ghost", models.TaskRunning, "m2", "")
	ctx.MarkDisconnected("ghost")
	_, ok := ctx.Agent("ghost")
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	ctx := testContext()
	ctx.RegisterManual("a1", "", nil)
	ctx.Costs().Charge(1.25)

	snap := ctx.Snapshot()
	assert.NotEmpty(t, snap.ControlSessionID)
	assert.Equal(t, 1, snap.AgentCount)
	assert.Equal(t, 1.25, snap.Cost.ContextTotalUSD)
	assert.Equal(t, 5.0, snap.Cost.SessionLimitUSD)
}
