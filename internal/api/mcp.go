package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Session Session
	Ledger  Ledger // optional; if nil, session://runs is not registered
	Version string
}

// NewMCPServer creates an MCP server exposing the session commands as tools
// and the observable state as resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"llamactl",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("llamactl runs one local language model at a time: list models, load one, then send prompts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List known and discovered model artifacts with their presence on disk."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("load_model",
			mcp.WithDescription("Load a model, downloading it first when it is not on disk. Returns immediately; poll session://state for progress."),
			mcp.WithString("artifact", mcp.Description("Artifact ID or filename"), mcp.Required()),
		),
		mcpLoadModel(deps),
	)

	s.AddTool(
		mcp.NewTool("complete",
			mcp.WithDescription("Run a completion on the loaded model and return the generated text."),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
		),
		mcpComplete(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel",
			mcp.WithDescription("Cancel the running download, load or generation."),
		),
		mcpCancel(deps),
	)

	s.AddTool(
		mcp.NewTool("unload",
			mcp.WithDescription("Release the loaded model."),
		),
		mcpUnload(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"session://state",
			"Session State",
			mcp.WithResourceDescription("Current session state, output, progress and status log as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceState(deps),
	)

	if deps.Ledger != nil {
		s.AddResource(
			mcp.NewResource(
				"session://runs",
				"Recent Runs",
				mcp.WithResourceDescription("Last 10 recorded generations (timings only)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRuns(deps),
		)
	}

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := deps.Session.Snapshot()
		if err != nil {
			return mcpError(fmt.Sprintf("session unavailable: %v", err)), nil
		}
		b, err := json.Marshal(snap.Catalog)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal catalog: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpLoadModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		artifact, err := req.RequireString("artifact")
		if err != nil {
			return mcpError("artifact is required"), nil
		}
		if err := deps.Session.RequestLoad(artifact); err != nil {
			return mcpError(fmt.Sprintf("load refused: %v", err)), nil
		}
		snap, err := deps.Session.Snapshot()
		if err != nil {
			return mcpError(fmt.Sprintf("session unavailable: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Loading %s (state: %s)", artifact, snap.State)), nil
	}
}

func mcpComplete(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		task, err := deps.Session.RequestCompletion(prompt)
		if err != nil {
			return mcpError(fmt.Sprintf("completion refused: %v", err)), nil
		}

		rec, err := task.Wait(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller gave up; stop the generation too.
			task.Cancel()
			return mcpError("completion abandoned by client"), nil
		}
		if err != nil {
			if rec.Output == "" {
				return mcpError(fmt.Sprintf("completion failed: %v", err)), nil
			}
			return mcpError(fmt.Sprintf("completion failed after partial output: %v\n\n%s", err, rec.Output)), nil
		}
		return mcpText(rec.Output), nil
	}
}

func mcpCancel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cancelled, err := deps.Session.CancelCurrentOperation()
		if err != nil {
			return mcpError(fmt.Sprintf("session unavailable: %v", err)), nil
		}
		if !cancelled {
			return mcpText("Nothing to cancel"), nil
		}
		return mcpText("Cancellation requested"), nil
	}
}

func mcpUnload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := deps.Session.Unload(); err != nil {
			return mcpError(fmt.Sprintf("unload refused: %v", err)), nil
		}
		return mcpText("Model unloaded"), nil
	}
}

func mcpResourceState(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := deps.Session.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to get session state: %w", err)
		}
		return jsonResource(req.Params.URI, snap)
	}
}

func mcpResourceRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Ledger.RecentGenerations(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}
		return jsonResource(req.Params.URI, runs)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
