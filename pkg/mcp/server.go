package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/pkg/schema"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Dispatcher *engine.Dispatcher
	Logger     *slog.Logger
	// Notifier overrides the MCP session notifier.
	Notifier AgentNotifier
}

// Server wraps an MCP server with the flowpilot tool handlers.
type Server struct {
	dispatcher *engine.Dispatcher
	engine     *engine.Engine
	sessions   *SessionRegistry
	notifier   AgentNotifier
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewServer creates a new Server with all 5 tools registered. It subscribes
// to instance transitions so agents that started an instance hear about
// suspension and completion.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		dispatcher: deps.Dispatcher,
		sessions:   NewSessionRegistry(),
		logger:     logger,
	}
	if deps.Dispatcher != nil {
		s.engine = deps.Dispatcher.Engine()
	}

	mcpSrv := server.NewMCPServer(
		"flowpilot",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowpilot runs operator-authored workflow graphs for AI employees. Use flowpilot.save_graph to store a graph version, flowpilot.start to start an instance, flowpilot.deliver to hand an external event to a waiting instance, flowpilot.inspect to read an instance and its step history, and flowpilot.cancel to stop one."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	if s.engine != nil {
		s.engine.FSM().OnAfter(s.onTransition)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// onTransition notifies the watching agent when an instance parks or ends.
func (s *Server) onTransition(instanceID string, from, to schema.InstanceStatus) {
	if to == schema.InstanceStatusRunning {
		return
	}
	agentID, ok := s.sessions.WatcherOf(instanceID)
	if !ok {
		return
	}
	if to.Terminal() {
		s.sessions.Unwatch(instanceID)
	}
	payload := map[string]any{
		"instance_id": instanceID,
		"from":        string(from),
		"status":      string(to),
	}
	if err := s.notifier.Notify(context.Background(), agentID, payload); err != nil {
		s.logger.Debug("agent notification failed", "agent_id", agentID, "instance_id", instanceID, "error", err)
	}
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: saveGraphTool(), Handler: s.handleSaveGraph},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: deliverTool(), Handler: s.handleDeliver},
		{Tool: inspectTool(), Handler: s.handleInspect},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func saveGraphTool() mcp.Tool {
	return mcp.NewTool("flowpilot.save_graph",
		mcp.WithDescription("Validate a workflow graph and save it as the next version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition: id, nodes, edges, variables")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flowpilot.start",
		mcp.WithDescription("Start an instance of the latest version of a graph"),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the graph to run")),
		mcp.WithObject("variables", mcp.Description("Seed variables for the instance")),
		mcp.WithString("agent_id", mcp.Description("Agent to notify when the instance waits or finishes")),
	)
}

func deliverTool() mcp.Tool {
	return mcp.NewTool("flowpilot.deliver",
		mcp.WithDescription("Deliver an external event to the instance waiting on a token"),
		mcp.WithString("wait_token", mcp.Required(), mcp.Description("Correlation token the instance is waiting on")),
		mcp.WithString("event_id", mcp.Description("Idempotency key; redelivering the same id is a no-op")),
		mcp.WithObject("payload", mcp.Description("Event payload, exposed to the graph as _event_<field>")),
	)
}

func inspectTool() mcp.Tool {
	return mcp.NewTool("flowpilot.inspect",
		mcp.WithDescription("Get an instance with its step history"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to inspect")),
		mcp.WithBoolean("include_events", mcp.Description("Also return the audit log")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowpilot.cancel",
		mcp.WithDescription("Cancel an instance at its next node boundary"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the failure")),
	)
}
