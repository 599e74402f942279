// Package downstream implements the broker's side of the JSON-RPC-over-stdio
// conversation with one configured MCP server child process.
package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kagenti/mcp-broker/internal/config"
)

// State is a downstream client's position in its lifecycle.
type State int

const (
	StateStarting State = iota
	StateInitializing
	StateReady
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	initTimeout      = 10 * time.Second
	listToolsTimeout = 10 * time.Second
	callToolTimeout  = 30 * time.Second

	protocolVersion = "2024-11-05"
)

// Client owns one child process and speaks MCP JSON-RPC over its stdio.
type Client struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	engine *lineEngine

	mu         sync.RWMutex
	state      State
	serverInfo mcp.Implementation
	tools      []mcp.Tool
	lastErr    error

	dead    chan struct{}
	stopped atomic.Bool
}

// New builds a Client for cfg. Start must be called before use.
func New(cfg *config.ServerConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With("server", cfg.Name),
		state:  StateStarting,
		dead:   make(chan struct{}),
	}
}

// Name returns the configured downstream server name.
func (c *Client) Name() string { return c.cfg.Name }

// Tags returns the configured access-control tags for this server.
func (c *Client) Tags() []string { return c.cfg.Tags }

// Config returns the ServerConfig this client was built from.
func (c *Client) Config() *config.ServerConfig { return c.cfg }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done returns a channel closed once the underlying process has exited.
func (c *Client) Done() <-chan struct{} { return c.dead }

// Err returns the reason the client died, valid only after Done() closes.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Start spawns the child process and performs the MCP initialize handshake.
// It returns once the client is ready to serve ListTools/CallTool, or with
// an error if the handshake fails within initTimeout.
func (c *Client) Start(ctx context.Context) error {
	env := make([]string, 0, len(c.cfg.Env))
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Env = append(cmd.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	// Merge stderr into the same reader: §4.1 explicitly treats non-JSON
	// lines on the downstream's output as ignorable noise rather than a
	// separate structured stream. StdoutPipe set cmd.Stdout to the pipe's
	// write end, so pointing Stderr at it gives the child one shared fd.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.engine = newLineEngine(stdin, stdout, c.logger)
	go c.engine.run()
	go c.watchExit()

	c.setState(StateInitializing)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	if err := c.initialize(initCtx); err != nil {
		c.setState(StateDead)
		_ = c.Close()
		return fmt.Errorf("initialization_failed: %w", err)
	}

	c.setState(StateReady)

	listCtx, listCancel := context.WithTimeout(ctx, listToolsTimeout)
	defer listCancel()
	if tools, err := c.fetchTools(listCtx); err != nil {
		c.logger.Warn("initial tools/list failed, will retry on demand", "error", err)
	} else {
		c.mu.Lock()
		c.tools = tools
		c.mu.Unlock()
	}

	return nil
}

func (c *Client) watchExit() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.state = StateDead
	if err != nil {
		c.lastErr = fmt.Errorf("downstream exited: %w", err)
	} else {
		c.lastErr = fmt.Errorf("downstream exited normally")
	}
	c.mu.Unlock()
	c.engine.close()
	close(c.dead)
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"clientInfo": mcp.Implementation{
			Name:    "McpBroker",
			Version: "0.1.0",
		},
	}
	raw, err := c.engine.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("invalid_response: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	// notifications/initialized has no response; errors here are logged,
	// not fatal, since most servers tolerate its absence.
	if err := c.engine.notify("notifications/initialized", map[string]any{}); err != nil {
		c.logger.Warn("failed to send notifications/initialized", "error", err)
	}
	return nil
}

func (c *Client) fetchTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.engine.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid_response: %w", err)
	}
	return result.Tools, nil
}

// ListTools returns the downstream's tool list, issuing a fresh tools/list
// call if nothing is cached yet.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	state := c.state
	cached := c.tools
	c.mu.RUnlock()

	if state != StateReady {
		return nil, ErrPortClosed
	}
	if cached != nil {
		return cached, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()
	tools, err := c.fetchTools(listCtx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool invokes name on the downstream with args.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != StateReady {
		return nil, ErrPortClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	raw, err := c.engine.call(callCtx, "tools/call", mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("tool_execution_failed: %w", err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid_response: %w", err)
	}
	return &result, nil
}

// Stopped reports whether Close was called deliberately, as opposed to the
// process exiting or crashing on its own. The client manager uses this to
// tell an intentional stop (no reconnect) from a crash (reconnect).
func (c *Client) Stopped() bool {
	return c.stopped.Load()
}

// Close terminates the child process and releases all pending callers.
func (c *Client) Close() error {
	c.stopped.Store(true)
	c.setState(StateClosing)
	if c.engine != nil {
		c.engine.close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
