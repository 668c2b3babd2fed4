package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

func TestSystemBlocksMergeInstructionsAndSystemContent(t *testing.T) {
	req := model.Request{
		Instructions: "Be brief.",
		Contents: []core.Content{
			core.NewTextContent(core.RoleSystem, "Known facts: none."),
			core.NewTextContent(core.RoleUser, "hi"),
		},
	}

	blocks := systemBlocks(req)
	assert.Len(t, blocks, 2)
	assert.Equal(t, "Be brief.", blocks[0].Text)
	assert.Equal(t, "Known facts: none.", blocks[1].Text)
}

func TestBuildMessagesSendsToolResultsAsUserTurn(t *testing.T) {
	contents := []core.Content{
		core.NewTextContent(core.RoleSystem, "skip me"),
		core.NewTextContent(core.RoleUser, "weather?"),
		{Role: core.RoleAssistant, Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "t1", Name: "weather", Arguments: `{"city":"Oslo"}`}}}},
		{Role: core.RoleTool, Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "t1", Name: "weather", Response: map[string]any{"temp": 3}}}}},
	}

	msgs := buildMessages(contents)
	assert.Len(t, msgs, 3)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Equal(t, "user", string(msgs[2].Role))
}

func TestToolResultText(t *testing.T) {
	assert.Equal(t, "denied", toolResultText(core.FunctionResponse{Error: "denied"}))
	assert.Equal(t, "ok", toolResultText(core.FunctionResponse{Response: "ok"}))
	assert.Equal(t, `{"temp":3}`, toolResultText(core.FunctionResponse{Response: map[string]any{"temp": 3}}))
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "test" })
	assert.Equal(t, "anthropic", m.Info().Provider)
	assert.True(t, m.Info().SupportsTools)
}
