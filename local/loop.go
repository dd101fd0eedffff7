package local

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"
)

// ToolExecutor runs tools for a lane. sessionKey is the lane's key, so a
// tool acts as the session that called it.
type ToolExecutor interface {
	Execute(ctx context.Context, sessionKey, name string, input json.RawMessage) (content string, isError bool, err error)
	ListForAPI() []anthropic.ToolUnionParam
}

// turn runs one dispatched message to completion: a model call, then tool
// rounds while the model asks for tools, bounded by maxTurns.
func (b *Backend) turn(ctx context.Context, l *lane) (anthropic.Usage, error) {
	var usage anthropic.Usage
	params := anthropic.MessageNewParams{
		Model:     b.opts.model,
		MaxTokens: b.opts.maxTokens,
	}
	if b.opts.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: b.opts.system}}
	}
	if b.opts.tools != nil {
		params.Tools = b.opts.tools.ListForAPI()
	}

	for i := 0; ; i++ {
		if i >= b.opts.maxTurns {
			return usage, fmt.Errorf("max turns (%d) reached", b.opts.maxTurns)
		}

		b.mu.Lock()
		params.Messages = slices.Clone(l.history)
		b.mu.Unlock()

		msg, err := complete(ctx, b.streamer, params)
		usage.InputTokens += msg.Usage.InputTokens
		usage.OutputTokens += msg.Usage.OutputTokens
		if err != nil {
			return usage, err
		}

		b.mu.Lock()
		l.history = append(l.history, msg.ToParam())
		b.mu.Unlock()

		if msg.StopReason != anthropic.StopReasonToolUse || b.opts.tools == nil {
			return usage, nil
		}
		results := b.runTools(ctx, l.key, msg.Content)
		if len(results) == 0 {
			return usage, nil
		}
		b.mu.Lock()
		l.history = append(l.history, anthropic.NewUserMessage(results...))
		b.mu.Unlock()
	}
}

// runTools executes each tool_use block. Failures become error results so
// the model sees them.
func (b *Backend) runTools(ctx context.Context, sessionKey string, content []anthropic.ContentBlockUnion) []anthropic.ContentBlockParamUnion {
	var results []anthropic.ContentBlockParamUnion
	for _, block := range content {
		if block.Type != "tool_use" {
			continue
		}
		use := block.AsToolUse()
		text, isError, err := b.opts.tools.Execute(ctx, sessionKey, use.Name, json.RawMessage(use.Input))
		if err != nil {
			b.log.Debug("tool failed",
				zap.String("session_key", sessionKey), zap.String("tool", use.Name), zap.Error(err))
			results = append(results, anthropic.NewToolResultBlock(use.ID, "error: "+err.Error(), true))
			continue
		}
		results = append(results, anthropic.NewToolResultBlock(use.ID, text, isError))
	}
	return results
}
