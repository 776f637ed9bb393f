package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/daiku/internal/storage"
)

func (s *Server) registerResources() {
	// daiku://sessions/recent — recent workflow sessions at a glance.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"daiku://sessions/recent",
			"Recent Sessions",
			mcplib.WithResourceDescription("Recent workflow sessions with phase and status"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsRecent,
	)

	// daiku://sessions/{id}/state — latest checkpointed state.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"daiku://sessions/{id}/state",
			"Session State",
			mcplib.WithTemplateDescription("Latest checkpointed workflow state for a session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionState,
	)

	// daiku://sessions/{id}/events — persisted step events.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"daiku://sessions/{id}/events",
			"Session Events",
			mcplib.WithTemplateDescription("Persisted step events for a session, in emission order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionEvents,
	)
}

func (s *Server) handleSessionsRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	rows, _, err := s.sessions.List(ctx, storage.ListOptions{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: list sessions: %w", err)
	}

	compact := make([]map[string]any, len(rows))
	for i, row := range rows {
		compact[i] = compactSession(row)
	}

	data, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "daiku://sessions/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSessionState(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := sessionIDFromURI(uri, "state")
	if err != nil {
		return nil, err
	}

	cp, err := s.sessions.LatestCheckpoint(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("mcp: no state recorded for session %s", id)
		}
		return nil, fmt.Errorf("mcp: session state: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"session_id": cp.SessionID,
		"step":       cp.Step,
		"node":       cp.Node,
		"hash":       cp.Hash,
		"state":      cp.State,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal state: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSessionEvents(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := sessionIDFromURI(uri, "events")
	if err != nil {
		return nil, err
	}

	events, err := s.sessions.Events(ctx, id, 0)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("mcp: session not found: %s", id)
		}
		return nil, fmt.Errorf("mcp: session events: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"session_id": id,
		"events":     events,
		"count":      len(events),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal events: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// sessionIDFromURI pulls the session UUID out of a
// daiku://sessions/{id}/<leaf> URI.
func sessionIDFromURI(uri, leaf string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, "daiku://sessions/")
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, "/"+leaf)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid session id in URI %s: %w", uri, err)
	}
	return id, nil
}
