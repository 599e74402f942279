package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kagenti/mcp-broker/internal/access"
	"github.com/kagenti/mcp-broker/internal/aggregator"
	"github.com/kagenti/mcp-broker/internal/jsonrpc"
)

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      serverInfo     `json:"serverInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (s *Session) handleInitialize() initializeResult {
	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      serverInfo{Name: serverName, Version: "0.1.0"},
	}
}

type authenticateParams struct {
	JWTToken string `json:"jwt_token"`
}

type authenticateResult struct {
	OK      bool   `json:"ok"`
	Subject string `json:"subject,omitempty"`
}

func (s *Session) handleAuthenticate(raw json.RawMessage) (any, *jsonrpc.Error) {
	var params authenticateParams
	if err := json.Unmarshal(raw, &params); err != nil || params.JWTToken == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params", "")
	}

	ctx, err := s.verifier.Verify(params.JWTToken)
	if err != nil {
		s.logger.Warn("authentication failed")
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", "authentication_failed")
	}

	s.client = ctx
	return authenticateResult{OK: true, Subject: ctx.Subject}, nil
}

type toolListEntry struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema mcp.ToolInputSchema `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolListEntry `json:"tools"`
}

func (s *Session) handleToolsList(ctx context.Context) toolsListResult {
	var tools []aggregator.Tool
	if s.authorized() && s.client != nil {
		tools = access.FilterTools(ctx, s.catalog, s.client)
	} else if s.devMode {
		tools = s.catalog.Catalog(ctx)
	}

	entries := make([]toolListEntry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, toolListEntry{
			Name:        t.ExposedName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return toolsListResult{Tools: entries}
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []toolCallContent `json:"content"`
}

func (s *Session) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, *jsonrpc.Error) {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params", "")
	}
	if err := validateToolCallParams(params.Name, params.Arguments); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params", err.Error())
	}

	if !s.devMode || s.client != nil {
		if err := s.authorize(ctx, params.Name); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Access denied", "access_denied")
		}
	}

	result, err := s.catalog.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, aggregator.ErrToolNotFound) {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", "tool_not_found")
		}
		s.logger.Error("tool execution failed", "tool", params.Name, "error", err)
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", "tool_execution_failed")
	}

	return toolCallResult{Content: renderContent(result)}, nil
}

func (s *Session) authorize(ctx context.Context, exposedName string) error {
	if s.client == nil {
		return access.ErrAccessDenied
	}
	return access.Authorize(ctx, s.catalog, s.client, exposedName)
}

// renderContent converts a downstream CallToolResult into the broker's
// simplified text-content wrapper (§4.6): string text passes through, other
// shapes are re-encoded as pretty JSON.
func renderContent(result *mcp.CallToolResult) []toolCallContent {
	if result == nil {
		return nil
	}
	out := make([]toolCallContent, 0, len(result.Content))
	for _, c := range result.Content {
		out = append(out, toolCallContent{Type: "text", Text: stringifyContent(c)})
	}
	return out
}

func stringifyContent(c mcp.Content) string {
	if tc, ok := c.(mcp.TextContent); ok {
		return tc.Text
	}
	pretty, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", c)
	}
	return string(pretty)
}
