package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/chatos/pkg/models"
)

const stdioCallTimeout = 60 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// StdioBackend spawns the group's command and speaks line-delimited JSON-RPC
// 2.0 over its stdin/stdout (tools/list, tools/call). Responses resolve by
// request id; notifications interleaved on stdout are tolerated and logged.
// Close kills the child; the registry closes every backend at turn end.
type StdioBackend struct {
	group  *models.ToolGroup
	logger *slog.Logger

	startOnce sync.Once
	startErr  error

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewStdioBackend(group *models.ToolGroup, logger *slog.Logger) *StdioBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioBackend{
		group:    group,
		logger:   logger.With("tool_group", group.ID, "transport", "stdio"),
		pending:  make(map[int64]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

// start spawns the child once. Later calls reuse the running process.
func (b *StdioBackend) start(ctx context.Context) error {
	b.startOnce.Do(func() {
		if b.group.Command == "" {
			b.startErr = fmt.Errorf("tool group %s: command required for stdio", b.group.ID)
			return
		}
		cmd := exec.Command(b.group.Command, b.group.Args...)
		cmd.Env = os.Environ()
		for k, v := range b.group.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		if b.group.Cwd != "" {
			cmd.Dir = b.group.Cwd
		}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			b.startErr = fmt.Errorf("stdin pipe: %w", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			b.startErr = fmt.Errorf("stdout pipe: %w", err)
			return
		}
		stderr, _ := cmd.StderrPipe()

		if err := cmd.Start(); err != nil {
			b.startErr = fmt.Errorf("start %s: %w", b.group.Command, err)
			return
		}
		b.process = cmd
		b.stdin = stdin
		b.connected.Store(true)
		b.logger.Info("started tool server process", "command", b.group.Command, "pid", cmd.Process.Pid)

		b.wg.Add(1)
		go b.readLoop(stdout)
		if stderr != nil {
			b.wg.Add(1)
			go b.logStderr(stderr)
		}

		if err := b.handshake(ctx); err != nil {
			b.logger.Warn("initialize handshake failed", "error", err)
		}
	})
	return b.startErr
}

// handshake performs the MCP initialize exchange. Servers that skip it just
// time out here and still answer tools/list afterwards.
func (b *StdioBackend) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	params, _ := json.Marshal(map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "chatos", "version": "1.0"},
	})
	if _, err := b.call(ctx, "initialize", params); err != nil {
		return err
	}
	return b.notify("notifications/initialized", nil)
}

func (b *StdioBackend) ListTools(ctx context.Context) ([]Spec, error) {
	if err := b.start(ctx); err != nil {
		return nil, err
	}
	raw, err := b.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	specs := make([]Spec, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		specs = append(specs, Spec{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	return specs, nil
}

func (b *StdioBackend) CallTool(ctx context.Context, name string, arguments string) (string, error) {
	if err := b.start(ctx); err != nil {
		return "", err
	}
	args := json.RawMessage(arguments)
	if strings.TrimSpace(arguments) == "" {
		args = json.RawMessage("{}")
	}
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	raw, err := b.call(ctx, "tools/call", params)
	if err != nil {
		return "", err
	}
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode tools/call: %w", err)
	}
	var sb strings.Builder
	for _, part := range payload.Content {
		if part.Type == "text" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
	}
	if payload.IsError {
		return "", fmt.Errorf("%s: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close kills the child process and drains the reader goroutines.
func (b *StdioBackend) Close() error {
	if !b.connected.Swap(false) {
		return nil
	}
	close(b.stopChan)
	if b.stdin != nil {
		b.stdin.Close()
	}
	if b.process != nil && b.process.Process != nil {
		b.process.Process.Kill()
		b.process.Wait()
	}
	b.wg.Wait()
	return nil
}

// call sends one request and waits for the matching response.
func (b *StdioBackend) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !b.connected.Load() {
		return nil, fmt.Errorf("tool server not running")
	}
	id := b.nextID.Add(1)
	respChan := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = respChan
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	b.writeMu.Lock()
	_, err = b.stdin.Write(append(data, '\n'))
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(stdioCallTimeout):
		return nil, fmt.Errorf("%s timeout after %v", method, stdioCallTimeout)
	case <-b.stopChan:
		return nil, fmt.Errorf("tool server closed")
	}
}

func (b *StdioBackend) notify(method string, params json.RawMessage) error {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (b *StdioBackend) readLoop(stdout io.Reader) {
	defer b.wg.Done()
	defer b.connected.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-b.stopChan:
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		b.processLine(line)
	}
	if err := scanner.Err(); err != nil {
		b.logger.Error("stdout scanner error", "error", err)
	}
}

func (b *StdioBackend) processLine(line string) {
	var resp rpcResponse
	if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.ID != nil {
		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		default:
			b.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}
		b.pendingMu.Lock()
		if ch, ok := b.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(b.pending, id)
		}
		b.pendingMu.Unlock()
		return
	}

	// Interleaved notifications are tolerated; we only log them.
	var notif rpcNotification
	if err := json.Unmarshal([]byte(line), &notif); err == nil && notif.Method != "" {
		b.logger.Debug("server notification", "method", notif.Method)
	}
}

func (b *StdioBackend) logStderr(stderr io.Reader) {
	defer b.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-b.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			b.logger.Debug("server stderr", "message", line)
		}
	}
}
