package lmstudio

import (
	"strings"

	"github.com/MrWong99/lmbridge/internal/llm"
)

// responsesRequest is the body for POST /v1/responses. Function tools are
// flat: name, description and parameters at the top level.
type responsesRequest struct {
	Model              string         `json:"model,omitempty"`
	Input              string         `json:"input"`
	Tools              []llm.ToolSpec `json:"tools,omitempty"`
	ToolChoice         string         `json:"tool_choice,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int            `json:"max_output_tokens,omitempty"`
	Store              bool           `json:"store"`
}

// responsesResponse is the non-streaming reply from /v1/responses.
type responsesResponse struct {
	ID     string                `json:"id"`
	Status string                `json:"status,omitempty"`
	Model  string                `json:"model,omitempty"`
	Output []responsesOutputItem `json:"output"`
	Error  *runtimeError         `json:"error,omitempty"`
}

// responsesOutputItem is one element of the output sequence. Type is
// "message", "function_call", or "reasoning".
type responsesOutputItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []responsesContent `json:"content,omitempty"`

	// function_call shape
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// reasoning channel variants observed across model families
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// responsesContent is one content fragment inside a message output item.
type responsesContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// runtimeError is the runtime's structured error payload.
type runtimeError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

// toResponse converts the wire reply into the transport contract shape.
// Reasoning is resolved here: reasoning_content wins over reasoning, and
// whitespace-only channels count as absent.
func (r *responsesResponse) toResponse() *llm.Response {
	out := &llm.Response{ID: r.ID}

	var reasoningContent, reasoningAlt strings.Builder
	for _, item := range r.Output {
		switch item.Type {
		case "message":
			var sb strings.Builder
			for _, c := range item.Content {
				switch c.Type {
				case "output_text", "text":
					sb.WriteString(c.Text)
				case "reasoning_text":
					reasoningContent.WriteString(c.Text)
				}
			}
			if sb.Len() > 0 {
				out.Items = append(out.Items, llm.OutputItem{Kind: "text", Text: sb.String()})
			}
			if item.ReasoningContent != "" {
				reasoningContent.WriteString(item.ReasoningContent)
			} else if item.Reasoning != "" {
				reasoningAlt.WriteString(item.Reasoning)
			}

		case "function_call":
			out.Items = append(out.Items, llm.OutputItem{
				Kind: "function_call",
				Call: llm.ToolCall{
					ID:        item.CallID,
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})

		case "reasoning":
			for _, c := range item.Content {
				reasoningContent.WriteString(c.Text)
			}
			if item.ReasoningContent != "" {
				reasoningContent.WriteString(item.ReasoningContent)
			}
		}
	}

	if s := strings.TrimSpace(reasoningContent.String()); s != "" {
		out.Reasoning = s
	} else if s := strings.TrimSpace(reasoningAlt.String()); s != "" {
		out.Reasoning = s
	}
	return out
}

// modelList is the reply from GET /api/v0/models. The enhanced listing
// carries a per-model state, which is what distinguishes a model that will
// serve requests from one that is merely resident.
type modelList struct {
	Data []modelEntry `json:"data"`
}

type modelEntry struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// status maps the runtime's state strings onto the transport's status
// enumeration. Anything resident but not explicitly serving is reported
// idle, which the lifecycle manager treats as not-ready.
func (m modelEntry) status() llm.ModelStatus {
	switch strings.ToLower(m.State) {
	case "loaded", "active":
		return llm.StatusActive
	case "loading":
		return llm.StatusLoading
	default:
		return llm.StatusIdle
	}
}

// loadRequest is the body for POST /api/v0/models/load.
type loadRequest struct {
	Model string `json:"model"`
	// TTL is the idle time-to-live in seconds after which the runtime may
	// evict the model again. Never unbounded.
	TTL int `json:"ttl"`
}

// unloadRequest is the body for POST /api/v0/models/unload.
type unloadRequest struct {
	Model string `json:"model"`
}
