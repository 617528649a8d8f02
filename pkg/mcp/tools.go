package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/pkg/schema"
)

// handleSaveGraph validates and saves a graph definition.
func (s *Server) handleSaveGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	var def schema.GraphDefinition
	data, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if def.ID == "" {
		return mcp.NewToolResultError("definition.id is required"), nil
	}

	rec, res, err := s.engine.SaveGraph(ctx, &def)
	if err != nil {
		if res != nil && !res.Valid() {
			return validationResult(res)
		}
		return toolError("save graph", err), nil
	}

	return marshalResult(map[string]any{
		"ok":       true,
		"graph_id": rec.ID,
		"version":  rec.Version,
		"warnings": res.Warnings,
	})
}

// handleStart starts an instance and schedules its first tick.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	vars := mcp.ParseStringMap(req, "variables", nil)
	agentID := req.GetString("agent_id", "")

	if agentID != "" {
		s.captureSession(ctx, agentID)
	}

	id, err := s.dispatcher.StartInstance(ctx, graphID, vars)
	if err != nil {
		return toolError("start instance", err), nil
	}
	if agentID != "" {
		s.sessions.Watch(id, agentID)
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": id,
		"graph_id":    graphID,
	})
}

// handleDeliver hands an event to the instance waiting on a token.
func (s *Server) handleDeliver(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("wait_token")
	if err != nil {
		return mcp.NewToolResultError("wait_token is required"), nil
	}
	eventID := req.GetString("event_id", "")
	payload := mcp.ParseStringMap(req, "payload", nil)

	res, err := s.dispatcher.DeliverEvent(ctx, token, eventID, payload)
	if err != nil {
		return toolError("deliver event", err), nil
	}
	return marshalResult(res)
}

// handleInspect returns an instance with its history, and optionally its audit log.
func (s *Server) handleInspect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	view, err := s.dispatcher.GetInstance(ctx, id)
	if err != nil {
		return toolError("inspect", err), nil
	}
	if !req.GetBool("include_events", false) {
		return marshalResult(view)
	}

	events, err := s.engine.Events(ctx, id, 0)
	if err != nil {
		return toolError("list events", err), nil
	}
	return marshalResult(map[string]any{
		"instance": view,
		"events":   events,
	})
}

// handleCancel cancels an instance.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	res, err := s.dispatcher.CancelInstance(ctx, id, reason)
	if err != nil {
		return toolError("cancel", err), nil
	}
	return marshalResult(res)
}

// --- Helpers ---

func (s *Server) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the FlowError code.
func toolError(op string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed [%s]: %s", op, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func validationResult(res *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{
		"ok":       false,
		"code":     schema.ErrCodeStructural,
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	out := mcp.NewToolResultText(string(data))
	out.IsError = true
	return out, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
