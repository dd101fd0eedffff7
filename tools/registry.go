package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/armatrix/subctl/internal/schema"
)

// Call identifies the session a tool is running for.
type Call struct {
	SessionKey string
}

// Tool is an agent-facing tool whose input decodes into T.
type Tool[T any] interface {
	Name() string
	Description() string
	Execute(ctx context.Context, call Call, input T) (*Result, error)
}

// Result is the output of one tool execution.
type Result struct {
	Content []anthropic.ContentBlockParamUnion
	IsError bool
}

// TextResult is a convenience constructor for a text-only result.
func TextResult(text string) *Result {
	return &Result{Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(text)}}
}

// ErrorResult is a convenience constructor for an error result.
func ErrorResult(text string) *Result {
	r := TextResult(text)
	r.IsError = true
	return r
}

// Text joins the result's text blocks.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, b := range r.Content {
		if b.OfText != nil {
			parts = append(parts, b.OfText.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type entry struct {
	name        string
	description string
	schema      anthropic.ToolInputSchemaParam
	execute     func(ctx context.Context, call Call, raw json.RawMessage) (*Result, error)
}

// Registry holds tools in registration order. It is safe for concurrent
// use and satisfies local.ToolExecutor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds tool to r, replacing any tool with the same name. The input
// schema is generated from T.
func Register[T any](r *Registry, tool Tool[T]) {
	e := &entry{
		name:        tool.Name(),
		description: tool.Description(),
		schema:      schema.Generate[T](),
		execute: func(ctx context.Context, call Call, raw json.RawMessage) (*Result, error) {
			var input T
			if err := json.Unmarshal(raw, &input); err != nil {
				return ErrorResult(fmt.Sprintf("invalid input: %s", err)), nil
			}
			return tool.Execute(ctx, call, input)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[e.name]; !exists {
		r.order = append(r.order, e.name)
	}
	r.tools[e.name] = e
}

// Execute runs the named tool for sessionKey.
func (r *Registry) Execute(ctx context.Context, sessionKey, name string, input json.RawMessage) (string, bool, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("tool not found: %s", name)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	res, err := e.execute(ctx, Call{SessionKey: sessionKey}, input)
	if err != nil {
		return "", false, err
	}
	return res.Text(), res.IsError, nil
}

// ListForAPI returns the tools in the form the Messages API expects.
func (r *Registry) ListForAPI() []anthropic.ToolUnionParam {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]anthropic.ToolUnionParam, 0, len(r.order))
	for _, name := range r.order {
		e := r.tools[name]
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        e.name,
				Description: param.NewOpt(e.description),
				InputSchema: e.schema,
			},
		})
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
