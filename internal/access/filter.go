package access

import (
	"context"
	"fmt"

	"github.com/kagenti/mcp-broker/internal/aggregator"
)

// ErrAccessDenied is returned by Authorize when ctx lacks a shared tag with
// the target tool's server, including the fail-safe case where the server's
// tags could not be resolved at all.
var ErrAccessDenied = fmt.Errorf("access_denied")

// catalog is the subset of *aggregator.Aggregator that filtering depends on.
type catalog interface {
	Catalog(ctx context.Context) []aggregator.Tool
	GetToolServerTags(ctx context.Context, exposedName string) ([]string, bool)
}

// FilterTools reduces the full catalog down to the tools ctx is entitled to
// see, mirroring the teacher's header-driven filterTools but keyed off the
// session's ClientContext rather than a trusted proxy header.
func FilterTools(ctx context.Context, cat catalog, client *ClientContext) []aggregator.Tool {
	all := cat.Catalog(ctx)
	visible := make([]aggregator.Tool, 0, len(all))
	for _, tool := range all {
		if client.HasAccessToTags(tool.ServerTags) {
			visible = append(visible, tool)
		}
	}
	return visible
}

// Authorize permits a tools/call invocation of exposedName iff ctx shares a
// tag with the owning server. A tool whose server tags cannot be resolved
// (unknown tool) is denied even to a wildcard client; a downstream with no
// recorded tags is denied to every client except a wildcard one.
func Authorize(ctx context.Context, cat catalog, client *ClientContext, exposedName string) error {
	tags, ok := cat.GetToolServerTags(ctx, exposedName)
	if !ok {
		return ErrAccessDenied
	}
	if !client.HasAccessToTags(tags) {
		return ErrAccessDenied
	}
	return nil
}
