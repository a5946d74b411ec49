package gemini

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"TaskPilot/internal/llm"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.Error(t, err)
}

func TestToContentsSplitsSystemInstruction(t *testing.T) {
	system, contents := toContents([]llm.Message{
		{Role: llm.RoleSystem, Kind: llm.KindControl, Content: "be brief"},
		{Role: llm.RoleSystem, Kind: llm.KindSummary, Content: "earlier: sprint 4 closed"},
		{Role: llm.RoleUser, Content: "status?"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "project_query", Arguments: json.RawMessage(`{"query":"sprint"}`)}}},
		{Role: llm.RoleTool, Name: "project_query", Content: "sprint 5 open"},
		{Role: llm.RoleAssistant},
	})

	require.NotNil(t, system)
	require.Len(t, system.Parts, 1)
	assert.Equal(t, "be brief\n\nearlier: sprint 4 closed", system.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "project_query", contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "sprint", contents[1].Parts[0].FunctionCall.Args["query"])
	require.NotNil(t, contents[2].Parts[0].FunctionResponse)
	assert.Equal(t, "sprint 5 open", contents[2].Parts[0].FunctionResponse.Response["output"])
}

func TestToToolsDeclaresFunctions(t *testing.T) {
	tools := toTools([]llm.ToolSchema{{
		Name:        "web_search",
		Description: "search the web",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}})
	require.Len(t, tools, 1)
	require.Len(t, tools[0].FunctionDeclarations, 1)
	decl := tools[0].FunctionDeclarations[0]
	assert.Equal(t, "web_search", decl.Name)
	assert.NotNil(t, decl.ParametersJsonSchema)
	assert.Nil(t, toTools(nil))
}

func TestFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					genai.NewPartFromFunctionCall("project_query", map[string]any{"query": "risks"}),
				},
			},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 2},
	}

	out, err := fromResponse(resp)
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "project_query", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"risks"}`, string(out.ToolCalls[0].Arguments))
	assert.Equal(t, llm.FinishToolCalls, out.FinishReason)
	assert.Equal(t, 12, out.Usage.Total())

	_, err = fromResponse(&genai.GenerateContentResponse{})
	require.Error(t, err)
}
