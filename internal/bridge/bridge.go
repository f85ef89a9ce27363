// Package bridge exposes the autonomous engine to an MCP client.
//
// The bridge is itself an MCP server: it registers the four north-side
// tools (autonomous_with_mcp, autonomous_with_multiple_mcps,
// autonomous_discover_and_execute, list_available_mcps) on an official-SDK
// server and serves them over stdio. Failures are always returned as tool
// results — a short "<kind>: <message>" line with the error flag set —
// never raised through the protocol, so the calling agent can read the
// failure and recover.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/lmbridge/internal/autonomous"
)

// Version is the bridge's MCP implementation version string.
const Version = "1.0.0"

// AutonomousArgs is the argument shape of autonomous_with_mcp.
type AutonomousArgs struct {
	MCPName   string `json:"mcp_name"`
	Task      string `json:"task"`
	Model     string `json:"model,omitempty"`
	MaxRounds int    `json:"max_rounds,omitempty"`
	MaxTokens any    `json:"max_tokens,omitempty"`
}

// AutonomousMultiArgs is the argument shape of autonomous_with_multiple_mcps.
type AutonomousMultiArgs struct {
	MCPNames  []string `json:"mcp_names"`
	Task      string   `json:"task"`
	Model     string   `json:"model,omitempty"`
	MaxRounds int      `json:"max_rounds,omitempty"`
	MaxTokens any      `json:"max_tokens,omitempty"`
}

// DiscoverArgs is the argument shape of autonomous_discover_and_execute.
type DiscoverArgs struct {
	Task      string `json:"task"`
	Model     string `json:"model,omitempty"`
	MaxRounds int    `json:"max_rounds,omitempty"`
	MaxTokens any    `json:"max_tokens,omitempty"`
}

// ListArgs is the (empty) argument shape of list_available_mcps.
type ListArgs struct{}

// Server wires the engine and registry into an MCP server.
type Server struct {
	engine   *autonomous.Engine
	registry autonomous.Registry
	mcp      *mcpsdk.Server
}

// New creates the bridge server and registers its tools.
func New(engine *autonomous.Engine, registry autonomous.Registry) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("bridge: engine must not be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("bridge: registry must not be nil")
	}

	s := &Server{
		engine:   engine,
		registry: registry,
		mcp: mcpsdk.NewServer(
			&mcpsdk.Implementation{Name: "lmbridge", Version: Version},
			nil,
		),
	}
	s.registerTools()
	return s, nil
}

// Run serves the bridge over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("bridge serving over stdio")
	return s.mcp.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools declares the four north-side tools.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "autonomous_with_mcp",
		Description: "Run a task autonomously: the local LLM drives the tools of one " +
			"downstream MCP server over multiple rounds until it produces a final answer.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args AutonomousArgs) (*mcpsdk.CallToolResult, any, error) {
		return s.runTask(ctx, autonomous.Task{
			Instruction: args.Task,
			Downstreams: []string{args.MCPName},
			Model:       args.Model,
			MaxRounds:   args.MaxRounds,
			MaxTokens:   tokenCap(args.MaxTokens),
		})
	})

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "autonomous_with_multiple_mcps",
		Description: "Run a task autonomously with the combined tool catalogues of " +
			"several downstream MCP servers. Conflicting tool names are qualified as server.tool.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args AutonomousMultiArgs) (*mcpsdk.CallToolResult, any, error) {
		return s.runTask(ctx, autonomous.Task{
			Instruction: args.Task,
			Downstreams: args.MCPNames,
			Model:       args.Model,
			MaxRounds:   args.MaxRounds,
			MaxTokens:   tokenCap(args.MaxTokens),
		})
	})

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: "autonomous_discover_and_execute",
		Description: "Run a task autonomously with every enabled downstream MCP server " +
			"from the registry.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args DiscoverArgs) (*mcpsdk.CallToolResult, any, error) {
		names, err := s.registry.List()
		if err != nil {
			return errorResult(err), nil, nil
		}
		if len(names) == 0 {
			return errorResult(fmt.Errorf("registry has no enabled MCP servers")), nil, nil
		}
		return s.runTask(ctx, autonomous.Task{
			Instruction: args.Task,
			Downstreams: names,
			Model:       args.Model,
			MaxRounds:   args.MaxRounds,
			MaxTokens:   tokenCap(args.MaxTokens),
		})
	})

	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "list_available_mcps",
		Description: "List the downstream MCP server names currently enabled in the registry.",
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, args ListArgs) (*mcpsdk.CallToolResult, any, error) {
		names, err := s.registry.List()
		if err != nil {
			return errorResult(err), nil, nil
		}
		return textResult(strings.Join(names, "\n")), names, nil
	})
}

// runTask executes the engine and renders the outcome as a tool result.
func (s *Server) runTask(ctx context.Context, task autonomous.Task) (*mcpsdk.CallToolResult, any, error) {
	answer, err := s.engine.Run(ctx, task)
	if err != nil {
		slog.Error("autonomous query failed",
			"downstreams", task.Downstreams,
			"err", err,
		)
		return errorResult(err), nil, nil
	}
	return textResult(answer), nil, nil
}

// textResult wraps text in a call result.
func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

// errorResult renders err as a single prefixed line plus cause, flagged as
// an error, so the calling agent can recover instead of crashing.
func errorResult(err error) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: failureLine(err)}},
		IsError: true,
	}
}

// kinder is implemented by every error in the bridge's failure taxonomy.
type kinder interface{ Kind() string }

// failureLine renders "<kind>: <message>" for taxonomy errors and a plain
// message otherwise. Stack traces never reach the client.
func failureLine(err error) string {
	for e := err; e != nil; {
		if k, ok := e.(kinder); ok {
			return k.Kind() + ": " + err.Error()
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return "Error: " + err.Error()
}

// tokenCap converts the max_tokens argument, which callers may pass as a
// number or the string "auto", into the engine's integer cap. "auto",
// absent, and non-numeric values all mean "let the runtime decide".
func tokenCap(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case string:
		// "auto" and anything non-numeric fall through to zero.
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return 0
}
