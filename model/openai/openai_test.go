package openai

import (
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/model"
)

func TestBuildMessagesOrdersInstructionsAndToolResults(t *testing.T) {
	req := model.Request{
		Instructions: "You are terse.",
		Contents: []core.Content{
			core.NewTextContent(core.RoleUser, "add 1 and 2"),
			{Role: core.RoleAssistant, Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "c1", Name: "add", Arguments: `{"a":1,"b":2}`}}}},
			{Role: core.RoleTool, Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{ID: "c1", Name: "add", Response: 3}}}},
			core.NewTextContent(core.RoleAssistant, "3"),
		},
	}

	msgs := buildMessages(req)
	assert.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	assert.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.NotNil(t, msgs[3].OfTool)
	assert.NotNil(t, msgs[4].OfAssistant)
}

func TestToolResponseText(t *testing.T) {
	assert.Equal(t, `{"error":"boom"}`, toolResponseText(core.FunctionResponse{Error: "boom"}))
	assert.Equal(t, "plain", toolResponseText(core.FunctionResponse{Response: "plain"}))
	assert.Equal(t, `{"a":1}`, toolResponseText(core.FunctionResponse{Response: map[string]int{"a": 1}}))
}

func TestBuildParamsAppliesParamsBag(t *testing.T) {
	client := openai.NewClient(option.WithAPIKey("test"))
	m := NewModelFromClient(&client)

	params := m.buildParams(model.Request{
		Params: map[string]any{model.ParamTemperature: 0.1, model.ParamMaxTokens: 64},
		Tools: []model.ToolDefinition{{Type: "function", Function: model.FunctionDefinition{
			Name:       "add",
			Parameters: map[string]any{"type": "object"},
		}}},
	}, nil)

	assert.InDelta(t, 0.1, params.Temperature.Value, 1e-9)
	assert.Equal(t, int64(64), params.MaxCompletionTokens.Value)
	assert.Len(t, params.Tools, 1)
	assert.Equal(t, "openai", m.Info().Provider)
}
