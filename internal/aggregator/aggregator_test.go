package aggregator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	tools       map[string][]mcp.Tool
	tags        map[string][]string
	listCalls   int
	callToolErr error
}

func (f *fakePool) ListAllTools(_ context.Context) map[string][]mcp.Tool {
	f.listCalls++
	return f.tools
}

func (f *fakePool) CallTool(_ context.Context, serverName, toolName string, _ map[string]any) (*mcp.CallToolResult, error) {
	if f.callToolErr != nil {
		return nil, f.callToolErr
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: serverName + "/" + toolName}}}, nil
}

func (f *fakePool) ServerTags(serverName string) ([]string, bool) {
	tags, ok := f.tags[serverName]
	return tags, ok
}

func newTestAggregator(p pool) *Aggregator {
	return &Aggregator{
		manager: p,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		cache:   newTTLCache(defaultTTL),
	}
}

func TestAggregator_ConflictResolution(t *testing.T) {
	p := &fakePool{
		tools: map[string][]mcp.Tool{
			"web":  {{Name: "search"}},
			"wiki": {{Name: "search"}},
			"auth": {{Name: "login"}},
		},
		tags: map[string][]string{"web": {"t1"}, "wiki": {"t2"}, "auth": {"t3"}},
	}
	a := newTestAggregator(p)

	catalog := a.Catalog(context.Background())
	names := map[string]bool{}
	for _, tl := range catalog {
		names[tl.ExposedName] = true
	}

	assert.True(t, names["web.search"])
	assert.True(t, names["wiki.search"])
	assert.True(t, names["login"])
	assert.False(t, names["search"])
}

func TestAggregator_CatalogIsCached(t *testing.T) {
	p := &fakePool{tools: map[string][]mcp.Tool{"a": {{Name: "x"}}}}
	a := newTestAggregator(p)

	a.Catalog(context.Background())
	a.Catalog(context.Background())
	require.Equal(t, 1, p.listCalls)
}

func TestAggregator_InvalidateForcesRefresh(t *testing.T) {
	p := &fakePool{tools: map[string][]mcp.Tool{"a": {{Name: "x"}}}}
	a := newTestAggregator(p)

	a.Catalog(context.Background())
	a.Invalidate()
	a.Catalog(context.Background())
	require.Equal(t, 2, p.listCalls)
}

func TestAggregator_CacheExpiresAfterTTL(t *testing.T) {
	p := &fakePool{tools: map[string][]mcp.Tool{"a": {{Name: "x"}}}}
	a := newTestAggregator(p)
	a.cache = newTTLCache(10 * time.Millisecond)

	a.Catalog(context.Background())
	time.Sleep(20 * time.Millisecond)
	a.Catalog(context.Background())
	require.Equal(t, 2, p.listCalls)
}

func TestAggregator_CallTool_NotFound(t *testing.T) {
	p := &fakePool{tools: map[string][]mcp.Tool{}}
	a := newTestAggregator(p)

	_, err := a.CallTool(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestAggregator_CallTool_Routes(t *testing.T) {
	p := &fakePool{tools: map[string][]mcp.Tool{"auth": {{Name: "login"}}}}
	a := newTestAggregator(p)

	result, err := a.CallTool(context.Background(), "login", nil)
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
}

func TestSimplifySchema(t *testing.T) {
	a := newTestAggregator(&fakePool{})

	in := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"name": map[string]any{"type": "string", "description": "a name"},
			"opt": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "integer"},
					map[string]any{"type": "null"},
				},
			},
			"weird": map[string]any{"type": "unsupported-type"},
			"raw":   "not-even-an-object",
		},
		Required: []string{"name"},
	}

	out := a.simplifySchema(in)
	assert.Equal(t, "object", out.Type)
	assert.Equal(t, []string{"name"}, out.Required)
	assert.Equal(t, map[string]any{"type": "string", "description": "a name"}, out.Properties["name"])
	assert.Equal(t, map[string]any{"type": "integer"}, out.Properties["opt"])
	assert.Equal(t, map[string]any{"type": "string"}, out.Properties["weird"])
	assert.Equal(t, map[string]any{"type": "string"}, out.Properties["raw"])
	assert.Equal(t, int64(2), a.SchemaFallbacks())
}

func TestSimplifySchema_DefaultsMissingType(t *testing.T) {
	a := newTestAggregator(&fakePool{})
	out := a.simplifySchema(mcp.ToolInputSchema{})
	assert.Equal(t, "object", out.Type)
	assert.Empty(t, out.Required)
}
