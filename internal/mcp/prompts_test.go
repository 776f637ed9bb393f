package mcp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/daiku/internal/testutil"
)

func TestWriteRequirementsPrompt(t *testing.T) {
	s := newTestServer(t, testutil.Texts(happyReplies()...))

	result, err := s.handleWriteRequirementsPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "write-requirements",
			Arguments: map[string]string{"goal": "a URL shortener"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)

	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	assert.Contains(t, tc.Text, "a URL shortener")
	assert.Contains(t, tc.Text, "ACCEPTANCE CRITERIA")
	assert.Contains(t, tc.Text, "daiku_start_workflow")
}

func TestWriteRequirementsPromptMissingGoal(t *testing.T) {
	s := newTestServer(t, testutil.Texts(happyReplies()...))

	_, err := s.handleWriteRequirementsPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "write-requirements",
			Arguments: map[string]string{},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "goal argument is required")
}

func TestInspectSessionPrompt(t *testing.T) {
	s := newTestServer(t, testutil.Texts(happyReplies()...))
	id := uuid.NewString()

	result, err := s.handleInspectSessionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "inspect-session",
			Arguments: map[string]string{"session_id": id},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)

	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	assert.Contains(t, tc.Text, id)
	assert.Contains(t, tc.Text, "daiku_workflow_summary")
	assert.Contains(t, tc.Text, "daiku://sessions/"+id+"/state")
}

func TestInspectSessionPromptMissingID(t *testing.T) {
	s := newTestServer(t, testutil.Texts(happyReplies()...))

	_, err := s.handleInspectSessionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name: "inspect-session",
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_id argument is required")
}
