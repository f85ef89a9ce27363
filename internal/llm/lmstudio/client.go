// Package lmstudio implements the [llm.Transport] contract against a local
// LM Studio runtime.
//
// Three server surfaces are used. The stateful /v1/responses endpoint and
// the enhanced /api/v0 model listing (which reports per-model state and
// accepts load/unload with a TTL) are LM Studio-native JSON-over-HTTP and
// are driven directly. The stateless chat-completion fallback rides the
// runtime's OpenAI-compatible /v1 surface through the official OpenAI Go
// SDK.
//
// All requests run under a per-attempt timeout and a shared retry policy:
// connection errors, timeouts and 5xx responses are retried with jittered
// exponential backoff; 4xx responses are permanent. The client is safe for
// concurrent use and is intended to be process-wide.
package lmstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/lmbridge/internal/llm"
)

// Environment knobs for locating the runtime.
const (
	envHost         = "LMSTUDIO_HOST"
	envPort         = "LMSTUDIO_PORT"
	envDefaultModel = "DEFAULT_MODEL"

	defaultHost = "localhost"
	defaultPort = "1234"
)

// Request timeouts per operation class. The completion budget must finish
// inside the 60 s deadline of the MCP tool call that invoked the bridge.
const (
	healthTimeout     = 5 * time.Second
	listingTimeout    = 10 * time.Second
	completionTimeout = 58 * time.Second
)

// DefaultModelSentinel is the caller-supplied model value that means "use
// whatever the runtime considers its default". It short-circuits the
// lifecycle manager.
const DefaultModelSentinel = "default"

// Option is a functional option for a [Client].
type Option func(*Client)

// WithBaseURL overrides the runtime address derived from the environment.
// url is the bare origin, e.g. "http://localhost:1234".
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient substitutes the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDefaultModel overrides the DEFAULT_MODEL environment value used for
// requests that name no model.
func WithDefaultModel(model string) Option {
	return func(c *Client) { c.defaultModel = model }
}

// WithRetryPolicy overrides the environment-derived retry policy.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(c *Client) {
		c.retry = retryPolicy{maxAttempts: maxAttempts, baseDelay: base, maxDelay: max}
	}
}

// Client is the concrete [llm.Transport] for an LM Studio runtime.
type Client struct {
	baseURL string
	http    *http.Client
	chat    oai.Client
	retry   retryPolicy

	// defaultModel is the DEFAULT_MODEL sentinel passed verbatim on
	// requests that name no model.
	defaultModel string
}

// Compile-time check: Client must implement llm.Transport.
var _ llm.Transport = (*Client)(nil)

// New creates a Client addressing the runtime at LMSTUDIO_HOST:LMSTUDIO_PORT
// (default localhost:1234).
func New(opts ...Option) *Client {
	host := os.Getenv(envHost)
	if host == "" {
		host = defaultHost
	}
	port := os.Getenv(envPort)
	if port == "" {
		port = defaultPort
	}

	c := &Client{
		baseURL:      "http://" + host + ":" + port,
		http:         &http.Client{},
		retry:        defaultRetryPolicy(),
		defaultModel: os.Getenv(envDefaultModel),
	}
	for _, o := range opts {
		o(c)
	}

	c.chat = oai.NewClient(
		option.WithBaseURL(c.baseURL+"/v1"),
		// The local runtime ignores authentication but the SDK requires a key.
		option.WithAPIKey("lm-studio"),
		option.WithHTTPClient(c.http),
		option.WithMaxRetries(0), // retries are handled by our own policy
	)
	return c
}

// Respond implements llm.Transport over the stateful /v1/responses endpoint.
func (c *Client) Respond(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body := responsesRequest{
		Model:              c.modelFor(req),
		Input:              req.Input,
		Tools:              req.Tools,
		ToolChoice:         req.ToolChoice,
		PreviousResponseID: req.PreviousResponseID,
		MaxOutputTokens:    req.MaxOutputTokens,
		// Store must be set or the runtime discards the conversation and
		// previous_response_id chaining breaks.
		Store: true,
	}

	return withRetries(ctx, c.retry, "responses", func(ctx context.Context) (*llm.Response, error) {
		var wire responsesResponse
		if err := c.postJSON(ctx, "responses", "/v1/responses", completionTimeout, body, &wire, req.Model); err != nil {
			return nil, err
		}
		if wire.Error != nil {
			return nil, &llm.ProtocolError{Op: "responses", Err: fmt.Errorf("%s", wire.Error.Message)}
		}
		if wire.ID == "" && len(wire.Output) == 0 {
			return nil, &llm.ProtocolError{Op: "responses", Err: fmt.Errorf("response has neither id nor output")}
		}
		return wire.toResponse(), nil
	})
}

// Complete implements llm.Transport over the OpenAI-compatible chat
// endpoint. There is no conversation handle on this path; the full input
// travels on every call.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := oai.ChatCompletionNewParams{
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage(req.Input),
		},
	}
	if model := c.modelFor(req); model != "" {
		params.Model = shared.ChatModel(model)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxOutputTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	if req.ToolChoice != "" {
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(req.ToolChoice),
		}
	}

	return withRetries(ctx, c.retry, "chat", func(ctx context.Context) (*llm.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
		defer cancel()

		resp, err := c.chat.Chat.Completions.New(callCtx, params)
		if err != nil {
			return nil, classifyChatError(req.Model, err)
		}
		if len(resp.Choices) == 0 {
			return nil, &llm.ProtocolError{Op: "chat", Err: fmt.Errorf("empty choices")}
		}

		msg := resp.Choices[0].Message
		out := &llm.Response{}
		if msg.Content != "" {
			out.Items = append(out.Items, llm.OutputItem{Kind: "text", Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			out.Items = append(out.Items, llm.OutputItem{
				Kind: "function_call",
				Call: llm.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Reasoning = chatReasoning(msg)
		return out, nil
	})
}

// chatReasoning pulls the chain-of-thought channel from a chat message.
// Local runtimes expose it as reasoning_content (most models) or reasoning
// (one known variant); neither is part of the SDK's typed surface, so both
// are read from the raw extra fields.
func chatReasoning(msg oai.ChatCompletionMessage) string {
	for _, field := range []string{"reasoning_content", "reasoning"} {
		f, ok := msg.JSON.ExtraFields[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal([]byte(f.Raw()), &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// classifyChatError maps SDK errors onto the transport taxonomy.
func classifyChatError(model string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusNotFound && model != "" {
			return &llm.ModelNotFoundError{Model: model, Err: err}
		}
		return &llm.TransportError{Op: "chat", Status: apiErr.StatusCode, Err: err}
	}
	return &llm.TransportError{Op: "chat", Err: err}
}

// ListModels implements llm.Transport over the enhanced /api/v0 listing.
func (c *Client) ListModels(ctx context.Context) ([]llm.Model, error) {
	return withRetries(ctx, c.retry, "models", func(ctx context.Context) ([]llm.Model, error) {
		var wire modelList
		if err := c.getJSON(ctx, "models", "/api/v0/models", listingTimeout, &wire); err != nil {
			return nil, err
		}
		models := make([]llm.Model, 0, len(wire.Data))
		for _, m := range wire.Data {
			models = append(models, llm.Model{ID: m.ID, Status: m.status()})
		}
		return models, nil
	})
}

// LoadModel implements llm.Transport.
func (c *Client) LoadModel(ctx context.Context, modelID string, ttlSeconds int) error {
	body := loadRequest{Model: modelID, TTL: ttlSeconds}
	_, err := withRetries(ctx, c.retry, "load", func(ctx context.Context) (struct{}, error) {
		err := c.postJSON(ctx, "load", "/api/v0/models/load", completionTimeout, body, nil, modelID)
		return struct{}{}, err
	})
	return err
}

// UnloadModel implements llm.Transport.
func (c *Client) UnloadModel(ctx context.Context, modelID string) error {
	body := unloadRequest{Model: modelID}
	_, err := withRetries(ctx, c.retry, "unload", func(ctx context.Context) (struct{}, error) {
		err := c.postJSON(ctx, "unload", "/api/v0/models/unload", listingTimeout, body, nil, modelID)
		return struct{}{}, err
	})
	return err
}

// Health implements llm.Transport with a fast listing probe.
func (c *Client) Health(ctx context.Context) error {
	var wire modelList
	return c.getJSON(ctx, "health", "/api/v0/models", healthTimeout, &wire)
}

// modelFor resolves the effective model for a request: the explicit model,
// else the DEFAULT_MODEL sentinel, else empty (runtime default). The
// "default" sentinel itself is never sent on the wire.
func (c *Client) modelFor(req llm.Request) string {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == DefaultModelSentinel {
		return ""
	}
	return model
}

// postJSON issues one POST attempt with a per-attempt timeout, decoding the
// reply into out when out is non-nil. model is used only to classify
// model-not-found rejections.
func (c *Client) postJSON(ctx context.Context, op, path string, timeout time.Duration, body, out any, model string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &llm.ProtocolError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &llm.ProtocolError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(op, httpReq, out, model)
}

// getJSON issues one GET attempt with a per-attempt timeout.
func (c *Client) getJSON(ctx context.Context, op, path string, timeout time.Duration, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &llm.ProtocolError{Op: op, Err: err}
	}
	return c.do(op, httpReq, out, "")
}

// do executes one HTTP attempt and maps the status code onto the error
// taxonomy: 5xx → transient, 404 naming a model → model-not-found, other
// 4xx → permanent protocol errors.
func (c *Client) do(op string, req *http.Request, out any, model string) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &llm.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &llm.TransportError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		return &llm.TransportError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", strings.TrimSpace(string(payload))),
		}
	case resp.StatusCode == http.StatusNotFound && model != "" && modelNotFoundBody(payload):
		return &llm.ModelNotFoundError{Model: model, Err: fmt.Errorf("%s", strings.TrimSpace(string(payload)))}
	case resp.StatusCode >= 400:
		return &llm.ProtocolError{
			Op:  op,
			Err: fmt.Errorf("runtime returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &llm.ProtocolError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// modelNotFoundBody reports whether a 404 payload is about a missing model
// (as opposed to a missing route on an older runtime).
func modelNotFoundBody(payload []byte) bool {
	lower := strings.ToLower(string(payload))
	return strings.Contains(lower, "model")
}
