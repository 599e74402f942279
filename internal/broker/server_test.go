package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServer_AcceptsAndServesConnections(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "broker.sock")
	listener, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	cat := &fakeCatalog{}
	server := NewServer(listener, cat, &fakeVerifier{}, false, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp["result"])

	cancel()
	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}
