// Package mcpclient provides the concrete [downstream.Dialer] used by the
// bridge to talk to downstream MCP servers over stdio.
//
// It spawns the server subprocess described by a [downstream.Descriptor]
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk),
// performs the MCP initialisation handshake with a bounded deadline,
// verifies the server answers tools/list before handing the session to the
// caller, and shuts the subprocess down with a bounded grace period on
// Close. The caller never sees a half-open session.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/lmbridge/internal/downstream"
)

const (
	// defaultHandshakeTimeout bounds the MCP initialise + first tools/list
	// exchange.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultCallTimeout bounds a single tools/call round trip.
	defaultCallTimeout = 30 * time.Second

	// defaultCloseGrace is how long Close waits for a clean MCP shutdown
	// before the subprocess is killed.
	defaultCloseGrace = 3 * time.Second

	// stderrCaptureLimit caps the amount of child stderr retained for
	// handshake diagnostics.
	stderrCaptureLimit = 16 * 1024
)

// Option is a functional option for a [Dialer].
type Option func(*Dialer)

// WithHandshakeTimeout overrides the deadline for the MCP initialisation
// handshake. The default is 10 seconds.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.handshakeTimeout = d }
}

// WithCallTimeout overrides the per-tool-call deadline. The default is
// 30 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(dl *Dialer) { dl.callTimeout = d }
}

// WithCloseGrace overrides the shutdown grace period. The default is
// 3 seconds.
func WithCloseGrace(d time.Duration) Option {
	return func(dl *Dialer) { dl.closeGrace = d }
}

// Dialer opens scoped stdio sessions to downstream MCP servers.
//
// Each Dial creates its own SDK client, so the roots a descriptor declares
// apply to that session only.
type Dialer struct {
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	closeGrace       time.Duration
}

// Compile-time check: Dialer must implement downstream.Dialer.
var _ downstream.Dialer = (*Dialer)(nil)

// New creates a ready-to-use Dialer.
func New(opts ...Option) *Dialer {
	dl := &Dialer{
		handshakeTimeout: defaultHandshakeTimeout,
		callTimeout:      defaultCallTimeout,
		closeGrace:       defaultCloseGrace,
	}
	for _, o := range opts {
		o(dl)
	}
	return dl
}

// Dial spawns the subprocess described by desc, performs the MCP handshake,
// and verifies tools/list succeeds. On any failure the subprocess is reaped
// and a *downstream.HandshakeError carrying the captured stderr tail is
// returned.
func (dl *Dialer) Dial(ctx context.Context, desc downstream.Descriptor) (downstream.Session, error) {
	if desc.Command == "" {
		return nil, &downstream.HandshakeError{
			Server: desc.Name,
			Err:    fmt.Errorf("descriptor has an empty command"),
		}
	}

	stderr := newBoundedBuffer(stderrCaptureLimit)

	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = stderr

	// One SDK client per session: roots are declared on the client before
	// connecting so the server sees them from the handshake onwards.
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "lmbridge", Version: "1.0.0"},
		nil,
	)
	if len(desc.Roots) > 0 {
		roots := make([]*mcpsdk.Root, 0, len(desc.Roots))
		for _, dir := range desc.Roots {
			roots = append(roots, &mcpsdk.Root{URI: "file://" + dir})
		}
		client.AddRoots(roots...)
	}

	hsCtx, cancel := context.WithTimeout(ctx, dl.handshakeTimeout)
	defer cancel()

	session, err := client.Connect(hsCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		// The transport normally reaps the child on a failed connect; make
		// sure a wedged process cannot outlive the handshake deadline.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, &downstream.HandshakeError{
			Server: desc.Name,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	s := &stdioSession{
		desc:        desc,
		session:     session,
		proc:        cmd,
		stderr:      stderr,
		callTimeout: dl.callTimeout,
		closeGrace:  dl.closeGrace,
	}

	// The session is not considered ready until the server answers a tool
	// listing. Servers that complete initialise but then wedge are caught here.
	if _, err := s.Tools(hsCtx); err != nil {
		_ = s.Close()
		return nil, &downstream.HandshakeError{
			Server: desc.Name,
			Stderr: stderr.String(),
			Err:    fmt.Errorf("initial tools/list failed: %w", err),
		}
	}

	slog.Debug("downstream session established",
		"server", desc.Name,
		"command", desc.Command,
	)
	return s, nil
}

// stdioSession is the concrete [downstream.Session] over a stdio subprocess.
type stdioSession struct {
	desc        downstream.Descriptor
	session     *mcpsdk.ClientSession
	proc        *exec.Cmd
	stderr      *boundedBuffer
	callTimeout time.Duration
	closeGrace  time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Compile-time check: stdioSession must implement downstream.Session.
var _ downstream.Session = (*stdioSession)(nil)

// Descriptor implements downstream.Session.
func (s *stdioSession) Descriptor() downstream.Descriptor { return s.desc }

// Tools implements downstream.Session.
func (s *stdioSession) Tools(ctx context.Context) ([]downstream.Tool, error) {
	var tools []downstream.Tool
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, &downstream.CallError{
				Server: s.desc.Name,
				Tool:   "tools/list",
				Err:    err,
			}
		}
		tools = append(tools, downstream.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

// Call implements downstream.Session. The call is bounded by the configured
// per-call deadline. Server-reported failures come back as a Result with
// IsError set; only transport failures produce a Go error.
func (s *stdioSession) Call(ctx context.Context, name string, args map[string]any) (*downstream.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	res, err := s.session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, &downstream.CallError{Server: s.desc.Name, Tool: name, Err: err}
	}

	return &downstream.Result{
		Content: flattenContent(res),
		IsError: res.IsError,
	}, nil
}

// flattenContent concatenates all textual content from a call result.
// Non-text content and structured payloads are serialised to JSON so the
// result is always a single string.
func flattenContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		switch tc := c.(type) {
		case *mcpsdk.TextContent:
			sb.WriteString(tc.Text)
		default:
			if data, err := json.Marshal(c); err == nil {
				sb.Write(data)
			}
		}
	}
	if sb.Len() == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			return string(data)
		}
	}
	return sb.String()
}

// Close implements downstream.Session. The MCP shutdown sequence runs in the
// background; if it does not complete within the grace period the subprocess
// is killed. Close is idempotent and always reaps the child.
func (s *stdioSession) Close() error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.session.Close() }()

		select {
		case err := <-done:
			s.closeErr = err
		case <-time.After(s.closeGrace):
			slog.Warn("downstream server did not shut down within grace period, killing",
				"server", s.desc.Name,
				"grace", s.closeGrace,
			)
			if s.proc.Process != nil {
				_ = s.proc.Process.Kill()
			}
			s.closeErr = fmt.Errorf("mcpclient: server %q shutdown timed out after %s", s.desc.Name, s.closeGrace)
		}
	})
	return s.closeErr
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round trip. A nil or unmarshallable schema degrades to a bare object
// schema rather than failing the listing.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// boundedBuffer is a write-only buffer that retains at most limit bytes,
// discarding the oldest half when full. Used to capture child stderr for
// handshake diagnostics without unbounded growth.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

// Write implements io.Writer.
func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		// Keep the most recent half of the limit.
		keep := b.limit / 2
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-keep:]...)
	}
	return len(p), nil
}

// String returns the captured tail.
func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
