package diagram

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

func node(id string, kind schema.NodeKind, cfg string) schema.NodeDefinition {
	n := schema.NodeDefinition{ID: id, Kind: kind}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func replyGraph() *schema.GraphDefinition {
	greet := node("greet", schema.NodeKindSetVariable, `{"key":"greeting","value":"hi"}`)
	greet.IsEntry = true
	greet.Label = "Say hello"
	return &schema.GraphDefinition{
		ID:   "reply",
		Name: "Reply flow",
		Nodes: []schema.NodeDefinition{
			greet,
			node("wait-reply", schema.NodeKindWaitForEvent, `{"correlation_key":"conv-1"}`),
			node("check", schema.NodeKindCondition, `{"left":"{{_event_answer}}","operator":"eq","right":"yes"}`),
			node("won", schema.NodeKindTerminal, `{"status":"completed"}`),
			node("lost", schema.NodeKindTerminal, `{"status":"failed","reason":"declined"}`),
		},
		Edges: []schema.EdgeDefinition{
			{From: "greet", FromHandle: schema.HandleDone, To: "wait-reply"},
			{From: "wait-reply", FromHandle: schema.HandleReceived, To: "check"},
			{From: "check", FromHandle: schema.HandleTrue, To: "won"},
			{From: "check", FromHandle: schema.HandleFalse, To: "lost"},
		},
		Variables: []schema.VariableDefinition{{Key: "greeting"}},
	}
}

func TestBuild_Topology(t *testing.T) {
	model, err := Build(replyGraph(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Reply flow", model.Title)
	require.Len(t, model.Nodes, 6)
	assert.Equal(t, startID, model.Nodes[0].ID)
	assert.Equal(t, "Say hello", model.Nodes[1].Label)
	assert.Equal(t, "wait-reply", model.Nodes[2].Label)

	assert.Equal(t, Edge{From: startID, To: "greet"}, model.Edges[0])
	assert.Contains(t, model.Edges, Edge{From: "check", To: "lost", Label: "false"})
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, n.ID)
	}
}

func TestBuild_HistoryOverlay(t *testing.T) {
	history := []*store.StepRecord{
		{Sequence: 1, NodeID: "greet", Outcome: schema.StepOutcomeAdvanced},
		{Sequence: 2, NodeID: "wait-reply", Outcome: schema.StepOutcomeSuspended},
		{Sequence: 3, NodeID: "wait-reply", Outcome: schema.StepOutcomeResumed},
		{Sequence: 4, NodeID: "check", Outcome: schema.StepOutcomeAdvanced},
		{Sequence: 5, NodeID: "lost", Outcome: schema.StepOutcomeFailed,
			Error: &schema.FailureReason{Code: schema.ErrCodeTerminalFailure, Message: "declined"}},
	}

	model, err := Build(replyGraph(), history)
	require.NoError(t, err)

	byID := map[string]*Node{}
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	require.NotNil(t, byID["wait-reply"].Status)
	assert.Equal(t, 2, byID["wait-reply"].Status.Visits)
	assert.Equal(t, schema.StepOutcomeResumed, byID["wait-reply"].Status.Outcome)
	assert.Equal(t, "declined", byID["lost"].Status.Error)
	assert.Nil(t, byID["won"].Status)
}

func TestBuild_InvalidGraph(t *testing.T) {
	_, err := Build(&schema.GraphDefinition{ID: "empty"}, nil)
	assert.Error(t, err)
}
