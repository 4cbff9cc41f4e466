// Package process implements a plugin.Provider that runs a plugin as a
// subprocess speaking newline-delimited JSON frames over a yamux-multiplexed
// connection on its stdio. Each synchronous call and each live generator
// gets its own yamux stream, so a slow streaming tool can't block unrelated
// calls to the same subprocess.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"mcprelay/internal/plugin"
)

// frame is the newline-delimited JSON envelope exchanged on every yamux
// stream opened to the subprocess.
type frame struct {
	Op      string          `json:"op"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Handle  int64           `json:"handle,omitempty"`
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Provider runs one plugin subprocess for its lifetime.
type Provider struct {
	name string
	cmd  *exec.Cmd
	sess *yamux.Session

	mu      sync.Mutex
	streams map[int64]*yamux.Stream // open generator streams, by handle id
	nextID  int64
}

// Spawn starts command as a subprocess and establishes a yamux client
// session over its stdio pipes. workspaceDir becomes the subprocess's
// working directory.
func Spawn(ctx context.Context, name, command string, args []string, workspaceDir string) (*Provider, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workspaceDir
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s: %w", command, err)
	}

	sess, err := yamux.Client(&pipeConn{r: stdout, w: stdin}, yamux.DefaultConfig())
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("process: yamux client: %w", err)
	}

	return &Provider{
		name:    name,
		cmd:     cmd,
		sess:    sess,
		streams: make(map[int64]*yamux.Stream),
	}, nil
}

func (p *Provider) Name() string { return p.name }

// Close terminates the subprocess and its multiplexed session.
func (p *Provider) Close() error {
	_ = p.sess.Close()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// roundTrip opens a fresh yamux stream, writes req, reads one response
// frame, and closes the stream. Used for stateless ops (Tools, CallTool).
func (p *Provider) roundTrip(req frame) (frame, error) {
	stream, err := p.sess.Open()
	if err != nil {
		return frame{}, fmt.Errorf("process: open stream: %w", err)
	}
	defer stream.Close()
	return exchange(stream, bufio.NewReader(stream), req)
}

// exchange writes one frame to w and reads one back through br. br must be
// the same buffered reader used for every prior read on this stream — a
// fresh bufio.Reader would discard any bytes it had already buffered ahead
// of the line boundary.
func exchange(w io.Writer, br *bufio.Reader, req frame) (frame, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("process: encode frame: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return frame{}, fmt.Errorf("process: write frame: %w", err)
	}

	line, err := br.ReadBytes('\n')
	if err != nil {
		return frame{}, fmt.Errorf("process: read frame: %w", err)
	}
	var resp frame
	if err := json.Unmarshal(line, &resp); err != nil {
		return frame{}, fmt.Errorf("process: decode frame: %w", err)
	}
	return resp, nil
}

// Tools requests the plugin's tool list over a dedicated stream.
func (p *Provider) Tools(ctx context.Context) ([]plugin.Descriptor, error) {
	resp, err := p.roundTrip(frame{Op: "get_tools"})
	if err != nil {
		return nil, err
	}
	var entries []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
		IsStreaming bool            `json:"is_streaming"`
	}
	if err := json.Unmarshal(resp.Data, &entries); err != nil {
		return nil, fmt.Errorf("process: decode tools list: %w", err)
	}
	descriptors := make([]plugin.Descriptor, 0, len(entries))
	for _, e := range entries {
		descriptors = append(descriptors, plugin.Descriptor{
			Name:           e.Name,
			Description:    e.Description,
			ParametersJSON: e.Parameters,
			IsStreaming:    e.IsStreaming,
		})
	}
	return descriptors, nil
}

// CallTool invokes a synchronous tool over a dedicated stream.
func (p *Provider) CallTool(ctx context.Context, name string, argsJSON json.RawMessage) (json.RawMessage, *plugin.CallError) {
	resp, err := p.roundTrip(frame{Op: "call_tool", Name: name, Args: argsJSON})
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}
	if resp.Status == "error" {
		return nil, &plugin.CallError{Code: resp.Code, Message: resp.Message}
	}
	return resp.Data, nil
}

// streamHandle pairs a long-lived yamux stream with the generator id this
// Provider assigned it, since a single subprocess may host many
// concurrent generators multiplexed over separate streams.
type streamHandle struct {
	id     int64
	stream *yamux.Stream
	br     *bufio.Reader
}

// StartStream opens a dedicated yamux stream for the generator's entire
// lifetime and sends the start request on it; the stream stays open across
// subsequent Next calls and is closed by Free.
func (p *Provider) StartStream(ctx context.Context, name string, argsJSON json.RawMessage) (plugin.Handle, *plugin.CallError) {
	stream, err := p.sess.Open()
	if err != nil {
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}
	br := bufio.NewReader(stream)
	resp, err := exchange(stream, br, frame{Op: "stream_start", Name: name, Args: argsJSON})
	if err != nil {
		stream.Close()
		return nil, &plugin.CallError{Code: -32603, Message: err.Error()}
	}
	if resp.Status == "error" {
		stream.Close()
		return nil, &plugin.CallError{Code: resp.Code, Message: resp.Message}
	}

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.streams[id] = stream
	p.mu.Unlock()

	return &streamHandle{id: id, stream: stream, br: br}, nil
}

// Next advances the generator one step on its dedicated stream.
func (p *Provider) Next(ctx context.Context, h plugin.Handle) (plugin.StreamEvent, error) {
	sh, ok := h.(*streamHandle)
	if !ok {
		return plugin.StreamEvent{}, fmt.Errorf("process: invalid handle type %T", h)
	}
	resp, err := exchange(sh.stream, sh.br, frame{Op: "stream_next", Handle: sh.id})
	if err != nil {
		return plugin.StreamEvent{}, err
	}
	switch resp.Status {
	case "end":
		return plugin.StreamEvent{Outcome: plugin.StreamEnd}, nil
	case "error":
		return plugin.StreamEvent{Outcome: plugin.StreamError, Info: resp.Message}, nil
	default:
		return plugin.StreamEvent{Outcome: plugin.StreamContinue, Data: resp.Data}, nil
	}
}

// Free closes the generator's dedicated stream, signaling the subprocess to
// release it. Idempotent: a handle whose stream is already gone is a no-op.
func (p *Provider) Free(h plugin.Handle) error {
	sh, ok := h.(*streamHandle)
	if !ok {
		return fmt.Errorf("process: invalid handle type %T", h)
	}
	p.mu.Lock()
	_, live := p.streams[sh.id]
	delete(p.streams, sh.id)
	p.mu.Unlock()
	if !live {
		return nil
	}
	_, _ = exchange(sh.stream, sh.br, frame{Op: "stream_free", Handle: sh.id})
	return sh.stream.Close()
}

// pipeConn adapts a subprocess's stdout/stdin pipes to the net.Conn shape
// yamux needs, without a real socket.
type pipeConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *pipeConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
func (c *pipeConn) LocalAddr() net.Addr               { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr              { return pipeAddr{} }
func (c *pipeConn) SetDeadline(t time.Time) error     { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
