package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/knearme/portfolio-agent/internal/portfolio"
)

// Context is the read-only invocation context handed to a specialist: a
// snapshot of shared state plus scoped instructions. The specialist never
// receives a mutable reference to the orchestrator's live state.
type Context struct {
	Snapshot     *portfolio.State
	Instructions string
}

// Input is the task payload for one invocation.
type Input struct {
	Message    string
	ImageURLs  []string
	Goal       string
	FocusAreas []string
}

// SpawnRequest pairs a specialist with its context and input for
// SpawnParallel.
type SpawnRequest struct {
	Type    Type
	Context Context
	Input   Input
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Provider Provider
	Model    string
	Log      *slog.Logger
	// Timeout overrides every definition's per-call timeout when > 0.
	Timeout time.Duration
}

// Runtime invokes specialists uniformly: build the model request from the
// persona definition, enforce a per-call timeout, validate the output schema,
// and normalize every failure into a Result. It performs no state mutation
// and no internal retries.
type Runtime struct {
	provider Provider
	model    string
	log      *slog.Logger
	timeout  time.Duration
	defs     map[Type]*Definition

	// newTimer is a seam for tests: it returns the expiry channel and a stop
	// function. Production uses a real time.Timer.
	newTimer func(d time.Duration) (<-chan time.Time, func() bool)
}

// NewRuntime loads all specialist definitions and returns a ready runtime.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing provider")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	defs, err := loadDefinitions()
	if err != nil {
		return nil, err
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		provider: opts.Provider,
		model:    strings.TrimSpace(opts.Model),
		log:      logger.With("component", "subagent"),
		timeout:  opts.Timeout,
		defs:     defs,
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}, nil
}

// Definition exposes a loaded specialist definition (read-only).
func (r *Runtime) Definition(typ Type) (*Definition, bool) {
	def, ok := r.defs[typ]
	return def, ok
}

// Spawn invokes one specialist and returns a normalized result. It never
// panics and never returns a Go error: every failure mode (timeout, invalid
// output, provider error) becomes an ok=false Result the caller can act on.
func (r *Runtime) Spawn(ctx context.Context, typ Type, sctx Context, input Input) Result {
	started := time.Now()
	if r == nil || r.provider == nil {
		return failedResult(typ, ErrKindProvider, "runtime not initialized", 0)
	}
	def, ok := r.defs[typ]
	if !ok {
		return failedResult(typ, ErrKindProvider, fmt.Sprintf("unknown subagent type %q", typ), 0)
	}
	timeout := def.Timeout()
	if r.timeout > 0 {
		timeout = r.timeout
	}

	req := buildGenerateRequest(r.model, def, sctx, input)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The timer must be cleared on every exit path, success included; a timer
	// leaked on the success path keeps firing into later calls.
	timerC, stopTimer := r.newTimer(timeout)
	defer stopTimer()

	type callOutcome struct {
		text string
		err  error
	}
	outCh := make(chan callOutcome, 1)
	go func() {
		text, err := r.provider.Generate(callCtx, req)
		outCh <- callOutcome{text: text, err: err}
	}()

	select {
	case out := <-outCh:
		elapsed := time.Since(started).Milliseconds()
		if out.err != nil {
			kind := ErrKindProvider
			if errors.Is(out.err, context.DeadlineExceeded) {
				kind = ErrKindTimeout
			}
			r.log.Warn("subagent call failed", "type", typ, "kind", string(kind), "elapsed_ms", elapsed, "err", out.err)
			return failedResult(typ, kind, out.err.Error(), elapsed)
		}
		payload, err := validatePayload(out.text, def.Fields)
		if err != nil {
			r.log.Warn("subagent output failed validation", "type", typ, "elapsed_ms", elapsed, "err", err)
			return failedResult(typ, ErrKindInvalidOutput, err.Error(), elapsed)
		}
		confidence, defaulted := extractConfidence(payload)
		if defaulted {
			r.log.Warn("subagent omitted confidence, defaulting to 0.5", "type", typ)
		}
		return Result{
			Type:                typ,
			OK:                  true,
			Raw:                 payload,
			Confidence:          confidence,
			ConfidenceDefaulted: defaulted,
			Message:             strings.TrimSpace(gjson.Get(payload, "message").String()),
			ElapsedMS:           elapsed,
		}

	case <-timerC:
		elapsed := time.Since(started).Milliseconds()
		r.log.Warn("subagent call timed out", "type", typ, "timeout", timeout, "elapsed_ms", elapsed)
		return failedResult(typ, ErrKindTimeout, fmt.Sprintf("%s subagent timed out after %s", typ, timeout), elapsed)

	case <-ctx.Done():
		elapsed := time.Since(started).Milliseconds()
		kind := ErrKindProvider
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ErrKindTimeout
		}
		return failedResult(typ, kind, ctx.Err().Error(), elapsed)
	}
}

// SpawnParallel runs multiple invocations concurrently, each with its own
// independent timeout. A failure in one branch never cancels or taints the
// others. Results come back in request order, not completion order, so
// callers can deterministically zip inputs to outputs.
func (r *Runtime) SpawnParallel(ctx context.Context, requests []SpawnRequest) []Result {
	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(idx int, sr SpawnRequest) {
			defer wg.Done()
			results[idx] = r.Spawn(ctx, sr.Type, sr.Context, sr.Input)
		}(i, req)
	}
	wg.Wait()
	return results
}

func buildGenerateRequest(model string, def *Definition, sctx Context, input Input) GenerateRequest {
	var sb strings.Builder
	if inst := strings.TrimSpace(sctx.Instructions); inst != "" {
		sb.WriteString(inst)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Current project state (read-only snapshot):\n")
	sb.WriteString(snapshotJSON(sctx.Snapshot))

	if msg := strings.TrimSpace(input.Message); msg != "" {
		sb.WriteString("\n\nLatest user message:\n")
		sb.WriteString(msg)
	}
	if goal := strings.TrimSpace(input.Goal); goal != "" {
		sb.WriteString("\n\nGoal: ")
		sb.WriteString(goal)
	}
	if len(input.FocusAreas) > 0 {
		sb.WriteString("\nFocus areas: ")
		sb.WriteString(strings.Join(input.FocusAreas, ", "))
	}
	if len(input.ImageURLs) > 0 {
		sb.WriteString("\n\nNewly attached images follow in order; reference them by the ids listed in the snapshot.")
	}

	return GenerateRequest{
		Model:       model,
		System:      def.SystemPrompt(),
		Messages:    []ChatMessage{{Role: "user", Text: sb.String(), ImageURLs: input.ImageURLs}},
		Temperature: def.Temperature,
		ForceJSON:   true,
	}
}

func snapshotJSON(s *portfolio.State) string {
	if s == nil {
		return "{}"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}
