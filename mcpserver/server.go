package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aethelide/sandboxd/config"
	"github.com/aethelide/sandboxd/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	manager   *sandbox.Manager
	mcpServer *server.MCPServer
}

// sessionInfo is the wire shape of one session in tool results.
type sessionInfo struct {
	SessionID     string `json:"session_id"`
	ContainerName string `json:"container_name"`
	UserID        string `json:"user_id"`
	WorkspaceID   string `json:"workspace_id"`
	CreatedAt     string `json:"created_at"`
	Active        bool   `json:"active"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, manager *sandbox.Manager) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("engine.binary", s.config.Engine.Binary),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.Int("sandbox.max_sessions_per_user", s.config.Sandbox.MaxSessionsPerUser),
		zap.Int("sandbox.reaper_interval_sec", s.config.Sandbox.ReaperIntervalSec),
		zap.Bool("engine_available", manager.Available()),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("sandboxd", "A sandbox session manager for terminal workloads")

	s.registerCreateSandboxTool()
	s.registerExecuteCommandTool()
	s.registerListSessionsTool()
	s.registerDestroySandboxTool()

	return s, nil
}

func (s *MCPServer) registerCreateSandboxTool() {
	tool := mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create an isolated, resource-limited sandbox session for a user workspace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "Tenant identifier",
				},
				"workspace_id": map[string]any{
					"type":        "string",
					"description": "Workspace identifier",
				},
				"workspace_path": map[string]any{
					"type":        "string",
					"description": "Workspace filesystem path to mount read-write",
				},
				"tier": map[string]any{
					"type":        "string",
					"description": "Subscription tier determining default resource limits",
					"enum":        []string{"free", "pro", "enterprise"},
				},
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier override for session continuity (optional)",
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image override (optional)",
				},
				"network": map[string]any{
					"type":        "string",
					"description": "Network mode (default: none)",
					"enum":        []string{"none", "isolated", "bridged"},
				},
				"ttl_sec": map[string]any{
					"type":        "integer",
					"description": "Session time-to-live in seconds (optional)",
				},
			},
			Required: []string{"user_id", "workspace_id", "workspace_path"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCreateSandbox)
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}
	workspaceID, err := request.RequireString("workspace_id")
	if err != nil {
		return nil, fmt.Errorf("workspace_id parameter is required: %w", err)
	}
	workspacePath, err := request.RequireString("workspace_path")
	if err != nil {
		return nil, fmt.Errorf("workspace_path parameter is required: %w", err)
	}

	req := sandbox.CreateRequest{
		UserID:        userID,
		WorkspaceID:   workspaceID,
		WorkspacePath: workspacePath,
		SessionID:     request.GetString("session_id", ""),
		Image:         request.GetString("image", ""),
		Network:       sandbox.NetworkMode(request.GetString("network", "")),
	}
	if v, ok := request.GetArguments()["ttl_sec"].(float64); ok {
		req.TTLSec = int(v)
	}

	tier := sandbox.Tier(request.GetString("tier", "free"))

	s.logger.Info("sandbox creation requested",
		zap.String("user_id", userID),
		zap.String("workspace_id", workspaceID),
		zap.String("tier", string(tier)))

	session, err := s.manager.Create(ctx, req, tier)
	if err != nil {
		s.logger.Error("sandbox creation failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return errorResult(fmt.Sprintf("Creation failed: %v", err)), nil
	}

	return jsonResult(toSessionInfo(session))
}

func (s *MCPServer) registerExecuteCommandTool() {
	tool := mcp.Tool{
		Name:        "execute_command",
		Description: "Execute a shell command inside an existing sandbox session and collect its output",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier returned by create_sandbox",
				},
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to run inside the sandbox",
				},
			},
			Required: []string{"session_id", "command"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCommand)
}

func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	proc, err := s.manager.Execute(ctx, sessionID, command)
	if err != nil {
		s.logger.Error("command execution failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	// Drain the output stream until the process exits. A cancelled request
	// must not wedge the handler on a command that never finishes.
	var output []byte
drain:
	for {
		select {
		case chunk, ok := <-proc.Output():
			if !ok {
				break drain
			}
			output = append(output, chunk...)
		case <-ctx.Done():
			proc.Kill()
			s.logger.Warn("command execution cancelled",
				zap.String("session_id", sessionID),
				zap.Error(ctx.Err()))
			return errorResult(fmt.Sprintf("Execution cancelled: %v", ctx.Err())), nil
		}
	}
	<-proc.Done()

	s.logger.Info("command execution completed",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", proc.ExitCode()),
		zap.Int("output_len", len(output)))

	return jsonResult(map[string]any{
		"output":    string(output),
		"exit_code": proc.ExitCode(),
	})
}

func (s *MCPServer) registerListSessionsTool() {
	tool := mcp.Tool{
		Name:        "list_sessions",
		Description: "List active sandbox sessions for a user",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "Tenant identifier",
				},
			},
			Required: []string{"user_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListSessions)
}

func (s *MCPServer) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := request.RequireString("user_id")
	if err != nil {
		return nil, fmt.Errorf("user_id parameter is required: %w", err)
	}

	sessions := s.manager.UserSessions(userID)
	infos := make([]sessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, toSessionInfo(session))
	}
	return jsonResult(infos)
}

func (s *MCPServer) registerDestroySandboxTool() {
	tool := mcp.Tool{
		Name:        "destroy_sandbox",
		Description: "Destroy a sandbox session and its backing container",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier returned by create_sandbox",
				},
			},
			Required: []string{"session_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleDestroySandbox)
}

func (s *MCPServer) handleDestroySandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	s.manager.Destroy(ctx, sessionID)
	return jsonResult(map[string]any{"destroyed": sessionID})
}

func toSessionInfo(session *sandbox.Session) sessionInfo {
	return sessionInfo{
		SessionID:     session.SessionID,
		ContainerName: session.ContainerName,
		UserID:        session.UserID,
		WorkspaceID:   session.WorkspaceID,
		CreatedAt:     session.CreatedAt.UTC().Format(time.RFC3339),
		Active:        session.Active(),
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}
