// Package autonomous implements the execution engine at the centre of the
// bridge: given a task, a set of downstream MCP servers, and an optional
// model, it drives a bounded multi-round tool-calling dialogue with the LLM
// runtime until the model produces a terminal answer or the round budget
// runs out.
//
// One [Engine.Run] invocation exclusively owns a session to each of its
// downstream servers; sessions are opened during setup and closed on every
// exit path. The conversation itself is held server-side by the runtime
// behind a response handle, so each round carries only the new turn plus
// the tool catalogue — per-round token usage stays bounded no matter how
// many rounds the query takes, which is what makes the very large default
// round ceiling safe.
package autonomous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lmbridge/internal/downstream"
	"github.com/MrWong99/lmbridge/internal/llm"
	"github.com/MrWong99/lmbridge/internal/observe"
	"github.com/MrWong99/lmbridge/internal/reasoning"
	"github.com/MrWong99/lmbridge/internal/toolset"
)

// DefaultMaxRounds is the round ceiling applied when a task names none.
// It is a safety ceiling, not a product decision: the intended behaviour is
// "run until the model answers or the caller cancels", and the ceiling only
// exists so a looping model is stoppable. Do not shrink it silently.
const DefaultMaxRounds = 10000

// BudgetExhaustedPrefix starts the result of a query that hit the round
// ceiling without a terminal answer, so callers and tests can detect the
// condition mechanically.
const BudgetExhaustedPrefix = "[MAX_ROUNDS_REACHED"

// continuationMarker closes each follow-up turn after the injected tool
// results.
const continuationMarker = "Continue the task using these tool results."

// Task is one autonomous invocation.
type Task struct {
	// Instruction is the free-form user task.
	Instruction string

	// Downstreams names the registry servers to drive. Must not be empty;
	// auto-discover mode passes the full enabled registry.
	Downstreams []string

	// Model optionally selects a resident model. Empty or "default" uses
	// the runtime's default.
	Model string

	// MaxRounds caps the number of LLM requests. Zero means
	// [DefaultMaxRounds].
	MaxRounds int

	// MaxTokens is a soft per-round output cap advisory to the model.
	// Zero means no explicit cap.
	MaxTokens int
}

// RoundRecord captures one loop iteration for diagnostics. Records live
// only for the duration of the invocation.
type RoundRecord struct {
	// Index is the zero-based round number.
	Index int

	// Kind is "initial" for round zero, "continuation" afterwards.
	Kind string

	// Input is the text sent to the runtime this round.
	Input string

	// ResponseID is the conversation handle the runtime returned.
	ResponseID string

	// Calls holds the tool calls the model issued, in emission order.
	Calls []llm.ToolCall

	// Results holds the tool results, aligned with Calls.
	Results []downstream.Result

	// Elapsed is the wall time of the LLM request.
	Elapsed time.Duration
}

// Registry is the engine's view of the downstream registry.
type Registry interface {
	List() ([]string, error)
	Resolve(name string) (downstream.Descriptor, error)
}

// ModelEnsurer is the engine's view of the model lifecycle manager.
type ModelEnsurer interface {
	EnsureActive(ctx context.Context, modelID string) error
	Invalidate(modelID string)
}

// Config holds all dependencies needed to create an [Engine].
// Registry, Dialer, Transport and Lifecycle are required; Formatter and
// Metrics fall back to package defaults.
type Config struct {
	Registry  Registry
	Dialer    downstream.Dialer
	Transport llm.Transport
	Lifecycle ModelEnsurer
	Formatter *reasoning.Formatter
	Metrics   *observe.Metrics

	// MaxRounds is the ceiling applied to tasks that name none. Zero
	// means [DefaultMaxRounds].
	MaxRounds int
}

// Engine runs autonomous queries. Safe for concurrent use: all per-query
// state lives on the stack of [Engine.Run].
type Engine struct {
	registry  Registry
	dialer    downstream.Dialer
	transport llm.Transport
	lifecycle ModelEnsurer
	formatter *reasoning.Formatter
	metrics   *observe.Metrics
	maxRounds int
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("autonomous: Registry must not be nil")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("autonomous: Dialer must not be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("autonomous: Transport must not be nil")
	}
	if cfg.Lifecycle == nil {
		return nil, errors.New("autonomous: Lifecycle must not be nil")
	}
	if cfg.Formatter == nil {
		cfg.Formatter = reasoning.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Engine{
		registry:  cfg.Registry,
		dialer:    cfg.Dialer,
		transport: cfg.Transport,
		lifecycle: cfg.Lifecycle,
		formatter: cfg.Formatter,
		metrics:   cfg.Metrics,
		maxRounds: cfg.MaxRounds,
	}, nil
}

// Run executes one autonomous query and returns the final formatted answer,
// or the budget-exhausted marker when the round ceiling was hit.
//
// Structural failures (registry, handshake, lifecycle, LLM protocol) are
// returned as errors; tool-call-level failures are surfaced into the LLM
// dialogue as error results and never abort the query.
func (e *Engine) Run(ctx context.Context, task Task) (string, error) {
	if strings.TrimSpace(task.Instruction) == "" {
		return "", errors.New("autonomous: task instruction must not be empty")
	}
	if len(task.Downstreams) == 0 {
		return "", errors.New("autonomous: at least one downstream MCP server is required")
	}
	maxRounds := task.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.maxRounds
	}

	// Resolve every name before spawning anything: an unknown identifier
	// aborts the whole query.
	descs := make([]downstream.Descriptor, 0, len(task.Downstreams))
	for _, name := range task.Downstreams {
		desc, err := e.registry.Resolve(name)
		if err != nil {
			return "", err
		}
		descs = append(descs, desc)
	}

	if err := e.lifecycle.EnsureActive(ctx, task.Model); err != nil {
		return "", err
	}

	sessions, err := e.dialAll(ctx, descs)
	if err != nil {
		return "", err
	}
	defer func() {
		for _, s := range sessions {
			if cerr := s.Close(); cerr != nil {
				slog.Warn("closing downstream session", "server", s.Descriptor().Name, "err", cerr)
			}
			e.metrics.OpenSessions.Add(context.WithoutCancel(ctx), -1)
		}
	}()

	catalogue, err := e.buildCatalogue(ctx, sessions)
	if err != nil {
		return "", err
	}

	return e.dialogue(ctx, task, maxRounds, catalogue)
}

// dialAll opens one session per descriptor concurrently. Either all
// sessions are returned, or every session opened so far is closed and the
// first error is returned.
func (e *Engine) dialAll(ctx context.Context, descs []downstream.Descriptor) ([]downstream.Session, error) {
	sessions := make([]downstream.Session, len(descs))
	g, gctx := errgroup.WithContext(ctx)
	for i, desc := range descs {
		g.Go(func() error {
			s, err := e.dialer.Dial(gctx, desc)
			if err != nil {
				return err
			}
			sessions[i] = s
			e.metrics.OpenSessions.Add(gctx, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
				e.metrics.OpenSessions.Add(context.WithoutCancel(ctx), -1)
			}
		}
		return nil, err
	}
	return sessions, nil
}

// buildCatalogue lists every session's tools and merges them with
// conflict-driven name qualification.
func (e *Engine) buildCatalogue(ctx context.Context, sessions []downstream.Session) (*toolset.Catalogue, error) {
	var servers []toolset.ServerTools
	for _, s := range sessions {
		tools, err := s.Tools(ctx)
		if err != nil {
			return nil, err
		}
		servers = append(servers, toolset.NewServerTools(s, tools))
	}
	cat := toolset.Build(servers)
	slog.Debug("tool catalogue assembled",
		"servers", len(sessions),
		"tools", cat.Len(),
	)
	return cat, nil
}

// dialogue runs the bounded multi-round exchange.
func (e *Engine) dialogue(ctx context.Context, task Task, maxRounds int, catalogue *toolset.Catalogue) (string, error) {
	var (
		previousID string
		rounds     []RoundRecord
		lastText   string
	)
	specs := catalogue.Specs()

	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		rec := RoundRecord{Index: round, Kind: "continuation"}
		if round == 0 {
			rec.Kind = "initial"
			rec.Input = task.Instruction
		} else {
			rec.Input = rounds[round-1].injection() + "\n" + continuationMarker
		}

		req := llm.Request{
			Input:              rec.Input,
			Tools:              specs,
			PreviousResponseID: previousID,
			Model:              task.Model,
			ToolChoice:         llm.ToolChoiceAuto,
			MaxOutputTokens:    task.MaxTokens,
		}
		// Force tool use on the opening turn so the model cannot
		// hallucinate an answer without consulting any tool. With an empty
		// catalogue there is nothing to force.
		if round == 0 && catalogue.Len() > 0 {
			req.ToolChoice = llm.ToolChoiceRequired
		}

		start := time.Now()
		resp, err := e.respond(ctx, task.Model, req)
		rec.Elapsed = time.Since(start)
		e.metrics.LLMRoundDuration.Record(ctx, rec.Elapsed.Seconds())
		if err != nil {
			e.metrics.RecordLLMRequest(ctx, "responses", "error")
			return "", err
		}
		e.metrics.RecordLLMRequest(ctx, "responses", "ok")
		rec.ResponseID = resp.ID
		rec.Calls = resp.Calls()

		if text := resp.Text(); text != "" {
			lastText = text
		}

		// A response with no function calls is the terminal answer.
		if len(rec.Calls) == 0 {
			rounds = append(rounds, rec)
			e.metrics.RoundsPerQuery.Record(ctx, float64(len(rounds)))
			slog.Info("autonomous query finished",
				"rounds", len(rounds),
				"answer_len", len(lastText),
			)
			return e.formatter.Format(resp.Reasoning, resp.Text()), nil
		}

		// Execute the calls strictly in emission order: tool effects may be
		// ordered (a write then a read must observe the write).
		for _, call := range rec.Calls {
			result := e.executeCall(ctx, catalogue, call)
			rec.Results = append(rec.Results, result)
		}
		rounds = append(rounds, rec)
		previousID = resp.ID

		slog.Debug("round complete",
			"round", round,
			"tool_calls", len(rec.Calls),
			"response_id", resp.ID,
		)

		if round+1 >= maxRounds {
			e.metrics.BudgetExhaustions.Add(ctx, 1)
			e.metrics.RoundsPerQuery.Record(ctx, float64(len(rounds)))
			slog.Warn("autonomous query hit round ceiling", "max_rounds", maxRounds)
			marker := fmt.Sprintf("%s after %d rounds]", BudgetExhaustedPrefix, maxRounds)
			if lastText != "" {
				return marker + " " + lastText, nil
			}
			return marker, nil
		}
	}
}

// respond calls the stateful endpoint, translating a model-not-found
// rejection into one lifecycle re-ensure plus a single retry: the runtime
// may have evicted the model between EnsureActive and the request.
func (e *Engine) respond(ctx context.Context, model string, req llm.Request) (*llm.Response, error) {
	resp, err := e.transport.Respond(ctx, req)
	var notFound *llm.ModelNotFoundError
	if err == nil || !errors.As(err, &notFound) {
		return resp, err
	}

	e.lifecycle.Invalidate(notFound.Model)
	if ensureErr := e.lifecycle.EnsureActive(ctx, model); ensureErr != nil {
		return nil, ensureErr
	}
	return e.transport.Respond(ctx, req)
}

// executeCall routes one tool call to its downstream server. Every failure
// mode short of a transport error — unknown tool, malformed arguments,
// failed coercion — comes back as an error result so the model can
// self-correct; transport failures also come back as error results because
// aborting the query over a single flaky call would discard all progress.
func (e *Engine) executeCall(ctx context.Context, catalogue *toolset.Catalogue, call llm.ToolCall) downstream.Result {
	session, toolName, ok := catalogue.Resolve(call.Name)
	if !ok {
		return downstream.Result{
			Content: fmt.Sprintf("tool %q does not exist; check the available tool list", call.Name),
			IsError: true,
		}
	}
	server := session.Descriptor().Name

	args, err := toolset.NormalizeArguments(call.Name, call.Arguments)
	if err == nil {
		args, err = catalogue.CoerceArguments(call.Name, args)
	}
	if err != nil {
		e.metrics.RecordToolCall(ctx, server, toolName, "bad_arguments")
		return downstream.Result{Content: err.Error(), IsError: true}
	}

	start := time.Now()
	result, err := session.Call(ctx, toolName, args)
	e.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordToolCall(ctx, server, toolName, "transport_error")
		return downstream.Result{Content: err.Error(), IsError: true}
	}

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	e.metrics.RecordToolCall(ctx, server, toolName, status)
	return *result
}

// injection renders the round's tool results as the explicit text of the
// next turn. Some models silently ignore tool outputs unless the following
// turn references them, so each result is spelled out.
func (r RoundRecord) injection() string {
	var sb strings.Builder
	for i, call := range r.Calls {
		payload := ""
		if i < len(r.Results) {
			payload = r.Results[i].Content
		}
		fmt.Fprintf(&sb, "Tool '%s' returned: %s\n", call.Name, payload)
	}
	return sb.String()
}
