package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowstack/conductor/pkg/models"
)

// ExecutorConfig configures concurrency, timeout, and argument-truncation
// behavior for tool execution.
type ExecutorConfig struct {
	// Concurrency bounds how many tool calls run at once. Default 4.
	Concurrency int

	// PerToolTimeout bounds a single tool invocation. Default 30s.
	PerToolTimeout time.Duration

	// ArgLogLimit truncates arguments recorded on tool_invoked events.
	// Default 500 chars.
	ArgLogLimit int
}

// DefaultExecutorConfig mirrors the teacher's tool execution defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		ArgLogLimit:    500,
	}
}

// EventCallback receives lifecycle events as tool calls progress. It must
// not block.
type EventCallback func(*models.RuntimeEvent)

// Result is one tool call's outcome alongside timing information.
type Result struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartTime time.Time
	EndTime   time.Time
	NotFound  bool
}

// Executor runs batches of tool calls against a Registry.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
}

// NewExecutor builds an Executor. A zero-value config falls back to
// DefaultExecutorConfig.
func NewExecutor(registry *Registry, config ExecutorConfig) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.ArgLogLimit <= 0 {
		config.ArgLogLimit = 500
	}
	return &Executor{registry: registry, config: config}
}

// Execute runs calls according to plan (nil plan runs them in emission
// order with none required), bounded by e.config.Concurrency. One failing
// tool does not abort the batch unless plan marks it required, in which
// case every call still in flight is allowed to finish but the batch is
// reported as failed via the returned error.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, plan *DecisionPlan, emit EventCallback) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ordered := plan.order(calls)
	results := make([]Result, len(ordered))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup
	var requiredFailureMu sync.Mutex
	var requiredFailure error

	for i, call := range ordered {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result{Index: idx, ToolCall: tc, Result: models.ToolResult{
					ToolCallID: tc.ID, Content: "context canceled", IsError: true,
				}}
				return
			}

			res := e.executeOne(ctx, idx, tc, emit)
			results[idx] = res

			if res.Result.IsError && plan.isRequired(tc.Name) {
				requiredFailureMu.Lock()
				if requiredFailure == nil {
					requiredFailure = fmt.Errorf("required tool %q failed: %s", tc.Name, res.Result.Content)
				}
				requiredFailureMu.Unlock()
			}
		}(i, call)
	}

	wg.Wait()
	return results, requiredFailure
}

func (e *Executor) executeOne(ctx context.Context, idx int, call models.ToolCall, emit EventCallback) Result {
	start := time.Now()

	if emit != nil {
		emit(models.NewToolEvent(models.EventToolInvoked, call.Name, call.ID).
			WithMeta("args", truncate(string(call.Input), e.config.ArgLogLimit)))
	}

	if _, ok := e.registry.Get(call.Name); !ok {
		if emit != nil {
			emit(models.NewToolEvent(models.EventToolNotFound, call.Name, call.ID))
		}
		return Result{
			Index:     idx,
			ToolCall:  call,
			Result:    models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool %q not found", call.Name), IsError: true},
			StartTime: start,
			EndTime:   time.Now(),
			NotFound:  true,
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
	defer cancel()

	if emit != nil {
		emit(models.NewToolEvent(models.EventToolStarted, call.Name, call.ID))
	}

	content, err := e.registry.Execute(toolCtx, call.Name, call.Input)
	end := time.Now()

	result := models.ToolResult{ToolCallID: call.ID, Content: content}
	eventType := models.EventToolCompleted

	if err != nil {
		result.IsError = true
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			result.Content = fmt.Sprintf("tool execution timed out after %s", e.config.PerToolTimeout)
			eventType = models.EventToolTimeout
		} else {
			result.Content = err.Error()
			eventType = models.EventToolFailed
		}
	}

	if emit != nil {
		emit(models.NewToolEvent(eventType, call.Name, call.ID).WithMeta("duration_ms", end.Sub(start).Milliseconds()))
	}

	return Result{Index: idx, ToolCall: call, Result: result, StartTime: start, EndTime: end}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...[truncated]"
}
