// Package downstream defines the contract for connections to downstream
// MCP tool servers.
//
// A downstream server is a subprocess the bridge launches on behalf of the
// LLM (filesystem, memory, fetch, github, …). Each server is described by a
// [Descriptor] resolved from the registry, and accessed through a [Session]
// whose lifetime is strictly scoped to a single autonomous query:
//
//  1. Dial the server with a [Dialer].
//  2. List its tools via [Session.Tools].
//  3. Execute calls via [Session.Call].
//  4. Close the session — always, on every exit path.
//
// Session implementations must be safe for concurrent use, although the
// autonomous loop itself serialises calls within a query.
package downstream

import (
	"context"
	"fmt"
	"strings"
)

// Descriptor describes how to launch a single downstream MCP server.
// Descriptors are produced by the registry on each query and are never
// mutated after creation.
type Descriptor struct {
	// Name is the registry identifier for this server, unique within a
	// registry snapshot. Used for tool-name qualification and in errors.
	Name string

	// Command is the executable to spawn.
	Command string

	// Args are the arguments passed to Command.
	Args []string

	// Env holds additional environment variables for the subprocess,
	// merged over the bridge's own environment. May be nil.
	Env map[string]string

	// Roots lists absolute directory paths exposed to the server via the
	// MCP roots mechanism. May be empty. Changing roots mid-query is not
	// supported; a new query picks up the new set.
	Roots []string

	// Disabled marks the server as configured but not offered. Disabled
	// descriptors are excluded from listing and auto-discovery.
	Disabled bool
}

// Tool is a single tool exposed by a downstream server, as reported by the
// MCP tools/list operation. Valid only for the lifetime of the owning session.
type Tool struct {
	// Name is the tool's identifier, unique within one server.
	Name string

	// Description is the human/LLM-readable summary of what the tool does.
	Description string

	// InputSchema is the tool's JSON-schema parameter description. It is
	// treated as an opaque object and never rewritten.
	InputSchema map[string]any
}

// Result holds the outcome of a single tool call.
type Result struct {
	// Content is the textual payload. Structured results are serialised to
	// JSON before being stored here.
	Content string

	// IsError is true when the server reported an application-level failure.
	// The payload is still delivered to the LLM so it can self-correct.
	IsError bool
}

// Session is a live, scoped connection to one downstream server.
type Session interface {
	// Descriptor returns the descriptor this session was dialled from.
	Descriptor() Descriptor

	// Tools lists the server's tool catalogue. Must only be called after a
	// successful dial; the dialer verifies an initial listing succeeds.
	Tools(ctx context.Context) ([]Tool, error)

	// Call executes the named tool. A non-nil *Result is returned even when
	// Result.IsError is true; a Go error indicates transport or protocol
	// failure and is reported as a *CallError.
	Call(ctx context.Context, name string, args map[string]any) (*Result, error)

	// Close sends the MCP shutdown sequence and reaps the subprocess,
	// waiting up to a bounded grace period. Close is idempotent.
	Close() error
}

// Dialer opens sessions to downstream servers. The concrete implementation
// lives in the mcpclient subpackage; the autonomous loop depends only on
// this interface so tests can substitute in-memory sessions.
type Dialer interface {
	Dial(ctx context.Context, desc Descriptor) (Session, error)
}

// HandshakeError reports a failure to establish an MCP session: the process
// could not be spawned, initialisation timed out, or the initial tools/list
// probe failed.
type HandshakeError struct {
	// Server is the descriptor name.
	Server string

	// Stderr holds the tail of the child's standard error stream, captured
	// for diagnostics. May be empty.
	Stderr string

	// Err is the underlying cause.
	Err error
}

// Kind returns the short machine-readable tag for this failure class.
func (e *HandshakeError) Kind() string { return "MCPHandshakeError" }

func (e *HandshakeError) Error() string {
	msg := fmt.Sprintf("downstream %q: handshake failed: %v", e.Server, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += "\nserver stderr:\n" + s
	}
	return msg
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CallError reports a transport or protocol failure during a tool call.
// Application-level tool failures are NOT CallErrors — those come back as
// a [Result] with IsError set.
type CallError struct {
	// Server is the descriptor name.
	Server string

	// Tool is the tool that was being called.
	Tool string

	// Err is the underlying cause.
	Err error
}

// Kind returns the short machine-readable tag for this failure class.
func (e *CallError) Kind() string { return "MCPCallError" }

func (e *CallError) Error() string {
	return fmt.Sprintf("downstream %q: call to tool %q failed: %v", e.Server, e.Tool, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
