// Package extractor supervises out-of-process extraction workers. Each
// worker is a subprocess specialized in one content family, spoken to over
// newline-delimited JSON-RPC 2.0 on stdio, emitting knowledge packets.
package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"nancy/internal/logging"
)

// RPC methods the host issues.
const (
	methodIngest       = "nancy/ingest"
	methodHealthCheck  = "nancy/health_check"
	methodCapabilities = "nancy/capabilities"
	methodShutdown     = "nancy/shutdown"
	methodCancel       = "nancy/cancel"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// conn frames JSON-RPC over a reader/writer pair. It is transport-agnostic
// so tests can drive it over in-memory pipes. Calls to one worker are
// serialized: a request is not issued while another is in flight.
type conn struct {
	mu          sync.Mutex
	w           io.Writer
	pendingReqs map[int]chan *rpcResponse
	nextID      int
	closed      bool
	onClose     func(err error)

	// callSlot holds at most one token; taking it admits one in-flight call.
	callSlot chan struct{}
}

func newConn(r io.Reader, w io.Writer, onClose func(err error)) *conn {
	c := &conn{
		w:           w,
		pendingReqs: make(map[int]chan *rpcResponse),
		nextID:      1,
		onClose:     onClose,
		callSlot:    make(chan struct{}, 1),
	}
	go c.readLoop(r)
	return c
}

func (c *conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.Get(logging.CategoryExtractor).Warn("Unparseable worker output: %v", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pendingReqs[resp.ID]
		if ok {
			delete(c.pendingReqs, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		} else {
			logging.Get(logging.CategoryExtractor).Warn("Response for unknown request ID %d", resp.ID)
		}
	}

	c.close(scanner.Err())
}

// close fails every pending request and fires onClose once.
func (c *conn) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ch := range c.pendingReqs {
		close(ch)
		delete(c.pendingReqs, id)
	}
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose(err)
	}
}

// Call sends a request and waits for its response or ctx expiry. In-flight
// calls are serialized per connection; an abandoned call notifies the worker
// with the request ID so it can stop computing.
func (c *conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	select {
	case c.callSlot <- struct{}{}:
		defer func() { <-c.callSlot }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	id := c.nextID
	c.nextID++

	ch := make(chan *rpcResponse, 1)
	c.pendingReqs[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pendingReqs, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		delete(c.pendingReqs, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("worker connection closed during %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("worker error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingReqs, id)
		c.mu.Unlock()
		c.Notify(methodCancel, map[string]int{"id": id})
		return nil, ctx.Err()
	}
}

// Notify sends a request without waiting for a response.
func (c *conn) Notify(method string, params interface{}) {
	msg := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, _ := json.Marshal(msg)
	c.mu.Lock()
	if !c.closed {
		_, _ = c.w.Write(append(data, '\n'))
	}
	c.mu.Unlock()
}

// process wraps the worker subprocess and its RPC connection. done is closed
// once cmd.Wait has returned; it is the only exit signal terminate consults,
// since Cmd fields must not be touched while Wait runs.
type process struct {
	cmd   *exec.Cmd
	conn  *conn
	stdin io.WriteCloser
	done  chan struct{}
}

// spawn starts the worker executable with its stdio wired for RPC. onExit
// fires exactly once when the subprocess terminates.
func spawn(cfg workerCommand, onExit func(err error)) (*process, error) {
	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Executable, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Get(logging.CategoryExtractor).Info("[%s stderr] %s", cfg.Name, scanner.Text())
		}
	}()

	p := &process{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	p.conn = newConn(stdout, stdin, nil)

	go func() {
		err := cmd.Wait()
		close(p.done)
		p.conn.close(err)
		onExit(err)
	}()

	return p, nil
}

// terminate asks the worker to exit and force-kills after the grace period.
func (p *process) terminate(grace time.Duration) {
	p.conn.Notify(methodShutdown, nil)
	_ = p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(grace):
		logging.Get(logging.CategoryExtractor).Warn("Worker did not exit within %v, killing", grace)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

// workerCommand is the subset of worker config the transport needs.
type workerCommand struct {
	Name        string
	Executable  string
	Args        []string
	Environment map[string]string
}
