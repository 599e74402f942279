// Package aggregator builds the broker's unified tool catalog from the
// downstream pool, resolving name conflicts and caching the result.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kagenti/mcp-broker/internal/clientmanager"
)

// ErrToolNotFound is returned when no aggregated tool matches the requested
// exposed name.
var ErrToolNotFound = fmt.Errorf("tool_not_found")

// Tool is the aggregator's view of one exposed tool (§3).
type Tool struct {
	ExposedName  string
	OriginalName string
	Description  string
	InputSchema  mcp.ToolInputSchema
	ServerName   string
	ServerTags   []string
}

// pool is the subset of *clientmanager.Manager the aggregator depends on,
// narrowed to ease testing with a fake.
type pool interface {
	ListAllTools(ctx context.Context) map[string][]mcp.Tool
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error)
	ServerTags(serverName string) ([]string, bool)
}

// Aggregator produces and memoizes the broker's external tool catalog.
type Aggregator struct {
	manager pool
	logger  *slog.Logger
	cache   *ttlCache

	schemaFallbacks atomic.Int64
}

// New builds an Aggregator over manager.
func New(manager *clientmanager.Manager, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		manager: manager,
		logger:  logger.With("component", "aggregator"),
		cache:   newTTLCache(defaultTTL),
	}
}

// Catalog returns the current aggregated, conflict-resolved tool list,
// serving the memoized snapshot when it is within TTL.
func (a *Aggregator) Catalog(ctx context.Context) []Tool {
	if tools, ok := a.cache.get(); ok {
		return tools
	}

	raw := a.manager.ListAllTools(ctx)
	tools := a.build(raw)
	a.cache.set(tools)
	return tools
}

// Invalidate drops the memoized catalog, forcing the next Catalog call to
// re-query the downstream pool. The broker daemon calls it after a config
// reload; downstream crashes and reconnects inside the client manager do not
// invalidate the cache, so they show up in the catalog once the TTL expires.
func (a *Aggregator) Invalidate() {
	a.cache.clear()
}

func (a *Aggregator) build(raw map[string][]mcp.Tool) []Tool {
	flat := make([]Tool, 0)
	counts := make(map[string]int)

	for serverName, rawTools := range raw {
		tags, _ := a.manager.ServerTags(serverName)
		for _, rt := range rawTools {
			t := Tool{
				ExposedName:  rt.Name,
				OriginalName: rt.Name,
				Description:  rt.Description,
				InputSchema:  a.simplifySchema(rt.InputSchema),
				ServerName:   serverName,
				ServerTags:   tags,
			}
			flat = append(flat, t)
			counts[rt.Name]++
		}
	}

	for i := range flat {
		if counts[flat[i].OriginalName] > 1 {
			flat[i].ExposedName = fmt.Sprintf("%s.%s", flat[i].ServerName, flat[i].OriginalName)
		}
	}

	return flat
}

// CallTool resolves exposedName against the current catalog and routes the
// call to its owning downstream.
func (a *Aggregator) CallTool(ctx context.Context, exposedName string, args map[string]any) (*mcp.CallToolResult, error) {
	tool, ok := a.lookup(ctx, exposedName)
	if !ok {
		return nil, ErrToolNotFound
	}
	return a.manager.CallTool(ctx, tool.ServerName, tool.OriginalName, args)
}

// GetToolServerTags returns the access-control tags of the server that owns
// exposedName.
func (a *Aggregator) GetToolServerTags(ctx context.Context, exposedName string) ([]string, bool) {
	tool, ok := a.lookup(ctx, exposedName)
	if !ok {
		return nil, false
	}
	return tool.ServerTags, true
}

func (a *Aggregator) lookup(ctx context.Context, exposedName string) (Tool, bool) {
	for _, t := range a.Catalog(ctx) {
		if t.ExposedName == exposedName {
			return t, true
		}
	}
	return Tool{}, false
}

// SchemaFallbacks returns how many properties have fallen through to the
// default string-type simplification, for observability (§4.3 expansion).
func (a *Aggregator) SchemaFallbacks() int64 {
	return a.schemaFallbacks.Load()
}
