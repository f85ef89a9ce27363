// Package lifecycle keeps the target model active on the LLM runtime.
//
// The runtime auto-unloads idle models, and its listing reports such models
// as present with an explicit idle status. A request against an idle model
// fails, so before any LLM request the autonomous engine asks the
// [Manager] to ensure the model is active — loading it, or unload+load
// cycling it out of the idle state (the only reliable reactivation path on
// the target runtime), and verifying the listing reports it active.
//
// The manager is process-wide: a bounded advisory cache avoids redundant
// listing queries, concurrent ensures for the same model are collapsed to a
// single load sequence, and a circuit breaker stops hammering a runtime
// whose loads fail persistently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/lmbridge/internal/llm"
	"github.com/MrWong99/lmbridge/internal/resilience"
)

const (
	// defaultTTLSeconds is the idle time-to-live requested on every load.
	// Never unbounded: an abandoned model must eventually be evicted.
	defaultTTLSeconds = 600

	// defaultCacheWindow is how long an observed status stays fresh.
	defaultCacheWindow = 60 * time.Second

	// defaultMaxAttempts bounds the ensure sequence retries.
	defaultMaxAttempts = 3

	// defaultBackoffBase is the delay before the second attempt.
	defaultBackoffBase = time.Second

	// loadingRecheckDelay is the fixed wait before re-querying a model the
	// runtime reports as currently loading.
	loadingRecheckDelay = 2 * time.Second
)

// ModelUnavailableError reports that the model could not be made active
// after the full retry sequence. It carries the runtime's current model
// identifiers so the failure is actionable.
type ModelUnavailableError struct {
	// Model is the identifier that could not be activated.
	Model string

	// Available lists the model identifiers currently resident on the
	// runtime, regardless of status.
	Available []string

	// Err is the underlying cause of the final attempt.
	Err error
}

// Kind returns the short machine-readable tag for this failure class.
func (e *ModelUnavailableError) Kind() string { return "ModelUnavailableError" }

func (e *ModelUnavailableError) Error() string {
	msg := fmt.Sprintf("lifecycle: model %q is unavailable", e.Model)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Available) > 0 {
		msg += "; available models: " + strings.Join(e.Available, ", ")
	}
	return msg
}

func (e *ModelUnavailableError) Unwrap() error { return e.Err }

// cacheEntry is one advisory observation of a model's status.
type cacheEntry struct {
	status     llm.ModelStatus
	observedAt time.Time
}

// Option is a functional option for a [Manager].
type Option func(*Manager)

// WithTTL overrides the load time-to-live in seconds. The default is 600.
func WithTTL(seconds int) Option {
	return func(m *Manager) { m.ttlSeconds = seconds }
}

// WithCacheWindow overrides the advisory cache freshness window.
func WithCacheWindow(d time.Duration) Option {
	return func(m *Manager) { m.cacheWindow = d }
}

// WithMaxAttempts overrides the ensure retry budget.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) { m.maxAttempts = n }
}

// WithBackoffBase overrides the base retry delay. Used by tests to avoid
// real sleeps.
func WithBackoffBase(d time.Duration) Option {
	return func(m *Manager) { m.backoffBase = d }
}

// WithLoadingRecheck overrides the fixed wait before re-querying a model
// the runtime reports as loading. Used by tests to avoid real sleeps.
func WithLoadingRecheck(d time.Duration) Option {
	return func(m *Manager) { m.loadingRecheck = d }
}

// Manager resolves caller-supplied model identifiers to active models on
// the runtime. Safe for concurrent use; create instances with [New].
type Manager struct {
	transport      llm.Transport
	ttlSeconds     int
	cacheWindow    time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	loadingRecheck time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	group   singleflight.Group
	breaker *resilience.CircuitBreaker
}

// New creates a Manager over the given transport.
func New(transport llm.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:      transport,
		ttlSeconds:     defaultTTLSeconds,
		cacheWindow:    defaultCacheWindow,
		maxAttempts:    defaultMaxAttempts,
		backoffBase:    defaultBackoffBase,
		loadingRecheck: loadingRecheckDelay,
		cache:          make(map[string]cacheEntry),
		breaker:        resilience.New(resilience.Config{Name: "model-load"}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// EnsureActive makes sure modelID is active on the runtime, loading or
// reactivating it as needed and verifying the listing afterwards.
//
// An empty identifier or the "default" sentinel succeeds immediately
// without contacting the runtime — the transport then lets the runtime
// pick its own default model. Concurrent calls for the same identifier
// share a single load sequence.
func (m *Manager) EnsureActive(ctx context.Context, modelID string) error {
	if modelID == "" || modelID == "default" {
		return nil
	}

	// The cache is advisory: only a fresh active observation may skip the
	// listing; anything else re-queries.
	m.mu.Lock()
	entry, ok := m.cache[modelID]
	m.mu.Unlock()
	if ok && entry.status == llm.StatusActive && time.Since(entry.observedAt) < m.cacheWindow {
		return nil
	}

	_, err, _ := m.group.Do(modelID, func() (any, error) {
		return nil, m.breaker.Execute(func() error {
			return m.ensure(ctx, modelID)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &ModelUnavailableError{
			Model: modelID,
			Err:   fmt.Errorf("runtime is refusing model loads: %w", err),
		}
	}
	return err
}

// Invalidate drops the cached status for modelID. Called by the engine when
// a request fails with a model-not-found rejection, so the next ensure
// re-queries the runtime.
func (m *Manager) Invalidate(modelID string) {
	m.mu.Lock()
	delete(m.cache, modelID)
	m.mu.Unlock()
}

// ensure runs the full query → load/reactivate → verify sequence with
// exponential backoff between attempts.
func (m *Manager) ensure(ctx context.Context, modelID string) error {
	var lastErr error
	var available []string

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := m.backoff(ctx, attempt-1); err != nil {
				return err
			}
		}

		status, models, err := m.queryStatus(ctx, modelID)
		if err != nil {
			lastErr = err
			continue
		}
		available = modelIDs(models)

		switch status {
		case llm.StatusActive:
			m.observe(modelID, llm.StatusActive)
			return nil

		case llm.StatusIdle:
			// An idle model does not serve. Unload then load is the only
			// reliable reactivation on this runtime.
			slog.Info("reactivating idle model", "model", modelID)
			m.Invalidate(modelID)
			if err := m.transport.UnloadModel(ctx, modelID); err != nil {
				lastErr = err
				continue
			}
			if err := m.transport.LoadModel(ctx, modelID, m.ttlSeconds); err != nil {
				lastErr = err
				continue
			}

		case llm.StatusAbsent:
			slog.Info("loading model", "model", modelID, "ttl_seconds", m.ttlSeconds)
			m.Invalidate(modelID)
			if err := m.transport.LoadModel(ctx, modelID, m.ttlSeconds); err != nil {
				lastErr = err
				continue
			}

		case llm.StatusLoading:
			select {
			case <-time.After(m.loadingRecheck):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Verify: the listing must now report the model active.
		status, models, err = m.queryStatus(ctx, modelID)
		if err != nil {
			lastErr = err
			continue
		}
		available = modelIDs(models)
		if status == llm.StatusActive {
			m.observe(modelID, llm.StatusActive)
			return nil
		}
		lastErr = fmt.Errorf("model %q is %s after load", modelID, status)
	}

	m.Invalidate(modelID)
	return &ModelUnavailableError{Model: modelID, Available: available, Err: lastErr}
}

// queryStatus lists the runtime's resident models and returns modelID's
// status (absent when not listed) plus the full listing.
func (m *Manager) queryStatus(ctx context.Context, modelID string) (llm.ModelStatus, []llm.Model, error) {
	models, err := m.transport.ListModels(ctx)
	if err != nil {
		return llm.StatusAbsent, nil, err
	}
	for _, mdl := range models {
		if mdl.ID == modelID {
			m.observe(modelID, mdl.Status)
			return mdl.Status, models, nil
		}
	}
	m.observe(modelID, llm.StatusAbsent)
	return llm.StatusAbsent, models, nil
}

// observe records a status observation in the advisory cache.
func (m *Manager) observe(modelID string, status llm.ModelStatus) {
	m.mu.Lock()
	m.cache[modelID] = cacheEntry{status: status, observedAt: time.Now()}
	m.mu.Unlock()
}

// backoff sleeps the exponential delay before retry n (1-based), jittered
// into the 0.5×–1.0× range.
func (m *Manager) backoff(ctx context.Context, n int) error {
	d := m.backoffBase
	for i := 1; i < n; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// modelIDs extracts the identifier list from a listing.
func modelIDs(models []llm.Model) []string {
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return ids
}
