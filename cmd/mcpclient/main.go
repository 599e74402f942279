// main implements the per-client shim external MCP clients spawn over
// STDIO. It authenticates once against the broker daemon's Unix socket,
// then splices its own stdio to the connection for the rest of the session.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/kagenti/mcp-broker/internal/config"
)

const clientConfigRelPath = ".mcp/client.json"

type clientConfig struct {
	JWT string `json:"jwt"`
}

func main() {
	var socketPath string
	flag.StringVar(&socketPath, "socket", "", "unix-domain socket to dial (overrides MCP_BROKER_SOCKET)")
	flag.Parse()

	if socketPath == "" {
		socketPath = config.SocketPath()
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		log.Fatalf("dial %s: %v", socketPath, err)
	}
	defer conn.Close()

	token := discoverToken()
	if token != "" {
		if err := authenticate(conn, token); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	} else {
		log.Printf("no bearer token found; session will run unauthenticated (dev mode if enabled on the daemon)")
	}

	if err := splice(conn); err != nil {
		log.Printf("session ended with error: %v", err)
		os.Exit(1)
	}
}

// discoverToken looks for a bearer token via MCP_CLIENT_JWT, falling back to
// ~/.mcp/client.json, per the client session auth discovery order.
func discoverToken() string {
	if tok := os.Getenv("MCP_CLIENT_JWT"); tok != "" {
		return tok
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(home, clientConfigRelPath))
	if err != nil {
		return ""
	}
	var cfg clientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return ""
	}
	return cfg.JWT
}

func authenticate(conn net.Conn, token string) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "authenticate",
		"params":  map[string]string{"jwt_token": token},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write authenticate request: %w", err)
	}

	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read authenticate response: %w", err)
	}

	var resp struct {
		Result *struct {
			OK bool `json:"ok"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return fmt.Errorf("decode authenticate response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("broker rejected token: %s", resp.Error.Message)
	}
	if resp.Result == nil || !resp.Result.OK {
		return fmt.Errorf("broker did not confirm authentication")
	}
	return nil
}

// splice copies stdin to the socket and the socket to stdout concurrently,
// returning once either direction finishes. It reports that direction's
// error unless it is a clean EOF, per the exit-code contract: 0 on EOF of the
// input stream, 1 on a genuine stream error.
func splice(conn net.Conn) error {
	errs := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, os.Stdin)
		errs <- err
	}()
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		errs <- err
	}()

	if err := <-errs; err != nil && err != io.EOF {
		return err
	}
	return nil
}
