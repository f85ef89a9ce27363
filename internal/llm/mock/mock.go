// Package mock provides an in-memory test double for the llm package.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/lmbridge/internal/llm"
)

// Transport is a scriptable [llm.Transport]. Respond pops responses from
// the Script slice in order; requests and all other operations are
// recorded for assertions.
type Transport struct {
	// Script holds the responses (or errors) Respond returns in order.
	Script []Step

	// Models is what ListModels returns. ModelsFn, when set, takes
	// precedence so tests can script status transitions.
	Models    []llm.Model
	ModelsFn  func() ([]llm.Model, error)
	ModelsErr error

	// LoadErr / UnloadErr fail the respective operations.
	LoadErr   error
	UnloadErr error

	mu       sync.Mutex
	requests []llm.Request
	loads    []Load
	unloads  []string
}

// Step is one scripted Respond outcome.
type Step struct {
	Resp *llm.Response
	Err  error
}

// Load records one LoadModel invocation.
type Load struct {
	Model string
	TTL   int
}

// Compile-time check.
var _ llm.Transport = (*Transport)(nil)

// Respond implements llm.Transport by replaying the script.
func (t *Transport) Respond(ctx context.Context, req llm.Request) (*llm.Response, error) {
	t.mu.Lock()
	idx := len(t.requests)
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	if idx >= len(t.Script) {
		return nil, fmt.Errorf("mock transport: unscripted request %d", idx)
	}
	step := t.Script[idx]
	return step.Resp, step.Err
}

// Complete implements llm.Transport identically to Respond.
func (t *Transport) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return t.Respond(ctx, req)
}

// ListModels implements llm.Transport.
func (t *Transport) ListModels(ctx context.Context) ([]llm.Model, error) {
	if t.ModelsFn != nil {
		return t.ModelsFn()
	}
	if t.ModelsErr != nil {
		return nil, t.ModelsErr
	}
	return t.Models, nil
}

// LoadModel implements llm.Transport.
func (t *Transport) LoadModel(ctx context.Context, modelID string, ttlSeconds int) error {
	t.mu.Lock()
	t.loads = append(t.loads, Load{Model: modelID, TTL: ttlSeconds})
	t.mu.Unlock()
	return t.LoadErr
}

// UnloadModel implements llm.Transport.
func (t *Transport) UnloadModel(ctx context.Context, modelID string) error {
	t.mu.Lock()
	t.unloads = append(t.unloads, modelID)
	t.mu.Unlock()
	return t.UnloadErr
}

// Health implements llm.Transport.
func (t *Transport) Health(ctx context.Context) error { return nil }

// Requests returns the Respond/Complete requests seen so far, in order.
func (t *Transport) Requests() []llm.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]llm.Request, len(t.requests))
	copy(out, t.requests)
	return out
}

// Loads returns the recorded LoadModel invocations.
func (t *Transport) Loads() []Load {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Load, len(t.loads))
	copy(out, t.loads)
	return out
}

// Unloads returns the recorded UnloadModel invocations.
func (t *Transport) Unloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.unloads))
	copy(out, t.unloads)
	return out
}

// TextResponse builds a terminal text response.
func TextResponse(id, text string) *llm.Response {
	return &llm.Response{
		ID:    id,
		Items: []llm.OutputItem{{Kind: "text", Text: text}},
	}
}

// CallResponse builds a response consisting of function calls.
func CallResponse(id string, calls ...llm.ToolCall) *llm.Response {
	resp := &llm.Response{ID: id}
	for _, c := range calls {
		resp.Items = append(resp.Items, llm.OutputItem{Kind: "function_call", Call: c})
	}
	return resp
}
