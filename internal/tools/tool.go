// Package tools implements the ToolExecutor component: a registry of
// invocable tools and a concurrency-bounded executor that runs tool calls
// against it, honoring an optional DecisionPlan ordering.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is anything the model can invoke by name.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Spec is a tool's shape as presented to an LLM's tool-use API.
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
