// Package clientmanager supervises the pool of downstream clients: starting
// them with retry, reconnecting after a crash, and fanning calls out across
// the live set with bounded concurrency.
package clientmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kagenti/mcp-broker/internal/config"
	"github.com/kagenti/mcp-broker/internal/downstream"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	maxFanOut     = 10
	fanOutTimeout = 15 * time.Second

	startupBaseDelay = 5 * time.Second
	startupMaxDelay  = 45 * time.Second
	startupAttempts  = 3

	reconnectInitialDelay = 5 * time.Second
	reconnectBaseDelay    = 30 * time.Second
	reconnectMaxDelay     = 8 * time.Minute
	reconnectAttempts     = 5
)

// ErrClientNotFound is returned when a caller names a server the manager
// doesn't know about or that is not currently live.
var ErrClientNotFound = fmt.Errorf("client_not_found")

// ClientInfo is the diagnostic view returned by GetClientInfo.
type ClientInfo struct {
	Command string
	Args    []string
	Env     map[string]string
	Type    string
	Tags    []string
	State   string
}

// Manager owns the set of downstream clients built from a BrokerConfig.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*downstream.Client

	wg sync.WaitGroup
}

// New builds an empty Manager; call Start with a config to populate it.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger.With("component", "clientmanager"),
		clients: make(map[string]*downstream.Client),
	}
}

// startupBackoff mirrors the teacher's ConfigureBackOff, parameterized for
// the three-attempt 5s/15s/45s curve in §4.2 rather than read from env vars.
func startupBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: startupBaseDelay,
		Factor:   3.0,
		Steps:    startupAttempts,
		Cap:      startupMaxDelay,
	}
}

// reconnectBackoff is the crash-reconnect curve: after the first attempt
// (made reconnectInitialDelay after the crash), 30s doubling, capped at 8
// minutes, five attempts.
func reconnectBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: reconnectBaseDelay,
		Factor:   2.0,
		Steps:    reconnectAttempts,
		Cap:      reconnectMaxDelay,
	}
}

// Start launches a downstream client for every server in cfg. Startup
// failures are logged and do not prevent other servers from starting; an
// empty pool is a valid outcome.
func (m *Manager) Start(ctx context.Context, cfg *config.BrokerConfig) {
	var wg sync.WaitGroup
	for name, sc := range cfg.Servers {
		wg.Add(1)
		go func(name string, sc *config.ServerConfig) {
			defer wg.Done()
			m.startWithRetry(ctx, sc)
		}(name, sc)
	}
	wg.Wait()
}

func (m *Manager) startWithRetry(ctx context.Context, sc *config.ServerConfig) {
	attempt := 0
	backoff := startupBackoff()
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		client := downstream.New(sc, m.logger)
		if err := client.Start(ctx); err != nil {
			m.logger.Warn("downstream startup failed", "server", sc.Name, "attempt", attempt, "error", err)
			return false, nil
		}
		m.mu.Lock()
		m.clients[sc.Name] = client
		m.mu.Unlock()
		m.watch(client)
		m.logger.Info("downstream ready", "server", sc.Name, "attempt", attempt)
		return true, nil
	})
	if err != nil {
		m.logger.Error("downstream failed to start after retries, skipping", "server", sc.Name, "attempts", attempt)
	}
}

// watch spawns the crash-reconnect supervisor for an already-started client.
func (m *Manager) watch(client *downstream.Client) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-client.Done()
		m.mu.Lock()
		current, ok := m.clients[client.Name()]
		if ok && current == client {
			delete(m.clients, client.Name())
		}
		m.mu.Unlock()
		if !ok || current != client {
			// Already superseded by a reconnect; nothing to do.
			return
		}
		if client.Stopped() {
			m.logger.Info("downstream stopped intentionally, not reconnecting", "server", client.Name())
			return
		}
		m.logger.Warn("downstream died, scheduling reconnect", "server", client.Name(), "error", client.Err())
		m.reconnect(context.Background(), client)
	}()
}

func (m *Manager) reconnect(ctx context.Context, dead *downstream.Client) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(reconnectInitialDelay):
	}

	attempt := 0
	backoff := reconnectBackoff()
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		replacement := downstream.New(dead.Config(), m.logger)
		if err := replacement.Start(ctx); err != nil {
			m.logger.Warn("reconnect attempt failed", "server", dead.Name(), "attempt", attempt, "error", err)
			return false, nil
		}
		m.mu.Lock()
		m.clients[dead.Name()] = replacement
		m.mu.Unlock()
		m.watch(replacement)
		m.logger.Info("downstream reconnected", "server", dead.Name(), "attempt", attempt)
		return true, nil
	})
	if err != nil {
		m.logger.Error("downstream reconnect exhausted, giving up", "server", dead.Name(), "attempts", attempt)
	}
}

// Reconcile brings the live pool in line with cfg: servers absent from cfg
// are stopped, new servers are started, and servers whose definition changed
// (per ServerConfig.ConfigChanged) are restarted. Unchanged servers are left
// running untouched. Used by the config watcher on hot-reload (§6).
func (m *Manager) Reconcile(ctx context.Context, cfg *config.BrokerConfig) {
	m.mu.RLock()
	var toStop []*downstream.Client
	var toStart []*config.ServerConfig
	for name, sc := range cfg.Servers {
		current, ok := m.clients[name]
		switch {
		case !ok:
			toStart = append(toStart, sc)
		case current.Config().ConfigChanged(*sc):
			toStop = append(toStop, current)
			toStart = append(toStart, sc)
		}
	}
	for name, current := range m.clients {
		if _, ok := cfg.Servers[name]; !ok {
			toStop = append(toStop, current)
		}
	}
	m.mu.RUnlock()

	for _, c := range toStop {
		m.logger.Info("stopping downstream for reconcile", "server", c.Name())
		if err := c.Close(); err != nil {
			m.logger.Warn("error stopping downstream", "server", c.Name(), "error", err)
		}
	}
	for _, sc := range toStart {
		m.startWithRetry(ctx, sc)
	}
}

// CallTool routes a tool invocation to serverName.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	client, ok := m.get(serverName)
	if !ok {
		return nil, ErrClientNotFound
	}
	return client.CallTool(ctx, toolName, args)
}

// ListAllTools fans out tools/list to every live downstream, bounded to
// maxFanOut concurrent queries with a per-query timeout. A failing or
// unreachable downstream contributes an empty list rather than failing the
// whole call.
func (m *Manager) ListAllTools(ctx context.Context) map[string][]mcp.Tool {
	m.mu.RLock()
	snapshot := make(map[string]*downstream.Client, len(m.clients))
	for name, c := range m.clients {
		snapshot[name] = c
	}
	m.mu.RUnlock()

	results := make(map[string][]mcp.Tool, len(snapshot))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFanOut)
	for name, client := range snapshot {
		name, client := name, client
		g.Go(func() error {
			queryCtx, cancel := context.WithTimeout(gctx, fanOutTimeout)
			defer cancel()
			tools, err := client.ListTools(queryCtx)
			if err != nil {
				m.logger.Warn("list_tools failed for downstream", "server", name, "error", err)
				tools = nil
			}
			resultsMu.Lock()
			results[name] = tools
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are already absorbed per-server above

	return results
}

// GetClientInfo reports the static configuration and live state of every
// currently-tracked downstream.
func (m *Manager) GetClientInfo() map[string]ClientInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ClientInfo, len(m.clients))
	for name, c := range m.clients {
		sc := c.Config()
		out[name] = ClientInfo{
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Type:    "stdio",
			Tags:    c.Tags(),
			State:   c.State().String(),
		}
	}
	return out
}

// ServerTags returns the access-control tags for serverName, or false if the
// server is unknown.
func (m *Manager) ServerTags(serverName string) ([]string, bool) {
	client, ok := m.get(serverName)
	if !ok {
		return nil, false
	}
	return client.Tags(), true
}

func (m *Manager) get(serverName string) (*downstream.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[serverName]
	return c, ok
}

// Shutdown terminates every downstream client and waits for their
// supervisors to exit, bounded by ctx. If ctx expires first, Shutdown
// returns ctx.Err() with supervisors possibly still draining in the
// background.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]*downstream.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*downstream.Client)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("error closing downstream", "server", c.Name(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline exceeded waiting for downstream supervisors")
		return ctx.Err()
	}
}
