package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRequest_MarshalFlattensContext(t *testing.T) {
	req := QueryRequest{
		Question: "Which sources failed?",
		ConversationHistory: []HistoryEntry{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
		Context: map[string]any{
			"category_id": "wind",
			"question":    "ignored",
		},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Which sources failed?", got["question"])
	assert.Equal(t, "wind", got["category_id"])
	assert.Len(t, got["conversation_history"], 2)
}

func TestQueryRequest_MarshalEmptyHistory(t *testing.T) {
	data, err := json.Marshal(QueryRequest{Question: "q"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"question":"q","conversation_history":[]}`, string(data))
}

func TestQueryRequest_UnmarshalCollectsContext(t *testing.T) {
	var req QueryRequest
	err := json.Unmarshal([]byte(`{"question":"q","conversation_history":[{"role":"user","content":"a"}],"mode":"brief"}`), &req)
	require.NoError(t, err)

	assert.Equal(t, "q", req.Question)
	require.Len(t, req.ConversationHistory, 1)
	assert.Equal(t, RoleUser, req.ConversationHistory[0].Role)
	assert.Equal(t, map[string]any{"mode": "brief"}, req.Context)
}

func TestErrorCategory_Message(t *testing.T) {
	assert.Empty(t, ErrorNone.Message())
	assert.NotEmpty(t, ErrorRateLimited.Message())
	assert.NotEqual(t, ErrorTimeout.Message(), ErrorServerUnavailable.Message())
}
