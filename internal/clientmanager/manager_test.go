package clientmanager

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartupBackoff_Curve(t *testing.T) {
	b := startupBackoff()
	assert.Equal(t, startupBaseDelay, b.Duration)
	assert.Equal(t, startupAttempts, b.Steps)
	assert.Equal(t, startupMaxDelay, b.Cap)
}

func TestReconnectBackoff_Curve(t *testing.T) {
	b := reconnectBackoff()
	assert.Equal(t, reconnectBaseDelay, b.Duration)
	assert.Equal(t, reconnectAttempts, b.Steps)
	assert.Equal(t, reconnectMaxDelay, b.Cap)
}

func TestManager_CallTool_UnknownServer(t *testing.T) {
	m := New(testLogger())
	_, err := m.CallTool(context.Background(), "nope", "tool", nil)
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestManager_ServerTags_UnknownServer(t *testing.T) {
	m := New(testLogger())
	_, ok := m.ServerTags("nope")
	require.False(t, ok)
}

func TestManager_ListAllTools_EmptyPool(t *testing.T) {
	m := New(testLogger())
	tools := m.ListAllTools(context.Background())
	require.Empty(t, tools)
}

func TestManager_GetClientInfo_EmptyPool(t *testing.T) {
	m := New(testLogger())
	require.Empty(t, m.GetClientInfo())
}
