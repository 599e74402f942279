// Package broker implements the MCP-facing endpoint: it accepts one actor
// per external session, dispatches initialize/authenticate/tools/list/
// tools/call, and multiplexes them onto the shared aggregator and access
// layers.
package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kagenti/mcp-broker/internal/access"
	"github.com/kagenti/mcp-broker/internal/aggregator"
	"github.com/kagenti/mcp-broker/internal/jsonrpc"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "McpBroker"
	maxArgumentKeys = 100
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// catalog is the subset of *aggregator.Aggregator a Session depends on.
type catalog interface {
	Catalog(ctx context.Context) []aggregator.Tool
	GetToolServerTags(ctx context.Context, exposedName string) ([]string, bool)
	CallTool(ctx context.Context, exposedName string, args map[string]any) (*mcp.CallToolResult, error)
}

// verifier is the subset of *jwtauth.Verifier a Session depends on.
type verifier interface {
	Verify(tokenString string) (*access.ClientContext, error)
}

// Session is one external client's actor: it owns a connection, an optional
// authenticated identity, and dispatches requests sequentially in arrival
// order (§5).
type Session struct {
	id       uuid.UUID
	conn     io.ReadWriteCloser
	catalog  catalog
	verifier verifier
	logger   *slog.Logger
	devMode  bool

	client *access.ClientContext
}

// NewSession builds a Session over conn, assigning it a random ID used to
// correlate its log lines. devMode, when true, makes an unauthenticated
// session see the unfiltered catalog (§4.4, §9).
func NewSession(conn io.ReadWriteCloser, cat catalog, v verifier, devMode bool, logger *slog.Logger) *Session {
	id := uuid.New()
	return &Session{
		id:       id,
		conn:     conn,
		catalog:  cat,
		verifier: v,
		devMode:  devMode,
		logger:   logger.With("component", "session", "session_id", id),
	}
}

// Serve reads newline-delimited JSON-RPC requests from the connection until
// EOF or a read error, dispatching each in turn and writing its response (if
// any) back before reading the next line.
func (s *Session) Serve(ctx context.Context) error {
	defer s.conn.Close()
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.dispatchLine(ctx, line)
		if resp == nil {
			continue
		}
		if err := s.writeResponse(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *Session) dispatchLine(ctx context.Context, line []byte) *jsonrpc.Response {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error", ""))
	}
	if req.Method == "" || req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Invalid Request", ""))
	}

	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		s.logger.Error("marshal result", "error", err)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error", "marshal_failed"))
	}
	return resp
}

func (s *Session) dispatch(ctx context.Context, req jsonrpc.Request) (any, *jsonrpc.Error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(), nil
	case "authenticate":
		return s.handleAuthenticate(req.Params)
	case "tools/list":
		return s.handleToolsList(ctx), nil
	case "tools/call":
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "Method not found", "")
	}
}

func (s *Session) writeResponse(resp *jsonrpc.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = s.conn.Write(raw)
	return err
}

// authorized reports whether the session may see the unfiltered or
// tag-filtered catalog: authenticated sessions always use their
// ClientContext; unauthenticated sessions fall back to dev mode only when
// explicitly enabled.
func (s *Session) authorized() bool {
	return s.client != nil || s.devMode
}

func validateToolCallParams(name string, args map[string]any) error {
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	if len(args) > maxArgumentKeys {
		return fmt.Errorf("too many argument keys: %d", len(args))
	}
	return nil
}
