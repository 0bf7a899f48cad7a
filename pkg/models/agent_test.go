package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidAgentID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"simple", "a1", true},
		{"full charset", "Agent_1.worker-x", true},
		{"max length", strings.Repeat("a", 64), true},
		{"too long", strings.Repeat("a", 65), false},
		{"empty", "", false},
		{"spaces", "agent one", false},
		{"slash", "agent/one", false},
		{"unicode", "agént", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidAgentID(tt.id))
		})
	}
}

func TestDispatchable(t *testing.T) {
	assert.True(t, TaskIdle.Dispatchable())
	assert.True(t, TaskCompleted.Dispatchable())
	assert.True(t, TaskError.Dispatchable())
	assert.False(t, TaskDispatched.Dispatchable())
	assert.False(t, TaskRunning.Dispatchable())
}

func TestAgentClone(t *testing.T) {
	agent := &Agent{AgentID: "a1", Capabilities: []string{"git"}}
	clone := agent.Clone()
	clone.Capabilities[0] = "mutated"
	clone.AgentID = "a2"
	assert.Equal(t, "git", agent.Capabilities[0])
	assert.Equal(t, "a1", agent.AgentID)
}
