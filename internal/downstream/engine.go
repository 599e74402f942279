package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kagenti/mcp-broker/internal/jsonrpc"
)

// ErrPortClosed is returned to every pending and future caller once the
// child process has exited, matching §4.1's "port_closed" terminal state.
var ErrPortClosed = fmt.Errorf("port_closed")

// lineEngine drives JSON-RPC 2.0 over a child process's merged stdio. It is
// deliberately decoupled from process management (see Client) so it can be
// driven by an in-memory pipe in tests without spawning a real subprocess.
//
// One goroutine (run) owns delivery of responses; all other access to
// pending goes through its mutex, so the engine is the single serialization
// point for one downstream's traffic, matching the "each downstream client
// is its own sequential actor" model.
type lineEngine struct {
	stdin  io.WriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan jsonrpc.Response
	nextID  int64

	closed   chan struct{}
	closeErr atomic.Value // error
	once     sync.Once
}

func newLineEngine(stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *lineEngine {
	return &lineEngine{
		stdin:   stdin,
		reader:  bufio.NewReader(stdout),
		logger:  logger,
		pending: make(map[int64]chan jsonrpc.Response),
		closed:  make(chan struct{}),
	}
}

// run reads lines until the underlying stream ends, then tears down all
// pending waiters with ErrPortClosed. It is meant to be run in its own
// goroutine and returns when the child's stdout is exhausted.
func (e *lineEngine) run() {
	for {
		line, err := e.reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			e.handleLine(trimmed)
		}
		if err != nil {
			e.shutdown(err)
			return
		}
	}
}

func (e *lineEngine) handleLine(line string) {
	if !strings.HasPrefix(line, "{") {
		// Merged stderr or banner noise from the child; never fatal.
		e.logger.Debug("dropping non-json line from downstream", "line", line)
		return
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		e.logger.Debug("dropping malformed json-rpc line", "error", err, "line", line)
		return
	}
	if resp.ID == nil {
		// Notification from the child; the downstream engine does not act on
		// these directly, callers poll tool lists instead.
		return
	}

	id, ok := normalizeID(resp.ID)
	if !ok {
		e.logger.Debug("dropping response with unrecognized id", "id", resp.ID)
		return
	}

	e.mu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("dropping response with unknown id", "id", id)
		return
	}
	ch <- resp
}

// normalizeID coerces a decoded numeric `id` field (float64 from JSON
// numbers, or a json.Number) back into the int64 space request ids are
// allocated from. String ids are not recognized.
func normalizeID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (e *lineEngine) shutdown(cause error) {
	e.once.Do(func() {
		if cause == nil {
			cause = ErrPortClosed
		}
		e.closeErr.Store(cause)
		e.mu.Lock()
		e.pending = nil
		e.mu.Unlock()
		close(e.closed)
	})
}

// call sends a JSON-RPC request and blocks for its response, honoring ctx's
// deadline and the engine's own lifetime.
func (e *lineEngine) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	id := atomic.AddInt64(&e.nextID, 1)
	ch := make(chan jsonrpc.Response, 1)

	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return nil, ErrPortClosed
	}
	e.pending[id] = ch
	e.mu.Unlock()

	req := jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	if err := e.writeLine(req); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-e.closed:
		return nil, ErrPortClosed
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a JSON-RPC notification (no id, no response expected).
func (e *lineEngine) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return e.writeLine(jsonrpc.Request{JSONRPC: "2.0", Method: method, Params: raw})
}

func (e *lineEngine) writeLine(req jsonrpc.Request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to downstream: %w", err)
	}
	return nil
}

// Done returns a channel closed once the engine has shut down.
func (e *lineEngine) Done() <-chan struct{} {
	return e.closed
}

// Err returns the cause of shutdown, or nil while still running.
func (e *lineEngine) Err() error {
	if v := e.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (e *lineEngine) close() {
	_ = e.stdin.Close()
	e.shutdown(ErrPortClosed)
}
