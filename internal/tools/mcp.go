package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/arbiter-ai/arbiter/internal/model"
)

// NewMCPServer exposes the registry over the Model Context Protocol. The
// same handlers serve both transports; only the envelope differs.
func NewMCPServer(r *Registry, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"arbiter",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	for _, t := range r.Tools() {
		s.AddTool(t.Def, mcpHandler(r, t.Def.Name))
	}
	return s
}

func mcpHandler(r *Registry, name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcpError(model.KindInvalidInput, "malformed arguments"), nil
		}

		result, err := r.Call(ctx, name, args)
		if err != nil {
			return mcpError(model.KindOf(err), err.Error()), nil
		}

		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcpError(model.KindInternal, "failed to encode result"), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(data)},
			},
		}, nil
	}
}

func mcpError(kind model.ErrorKind, msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: fmt.Sprintf("%s: %s", kind, msg)},
		},
		IsError: true,
	}
}
