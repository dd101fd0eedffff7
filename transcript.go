package subctl

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/armatrix/subctl/internal/format"
)

const maxLogLineRunes = 500

// LastAssistantText returns the text of the most recent assistant message
// that has any, or "".
func LastAssistantText(msgs []anthropic.MessageParam) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != anthropic.MessageParamRoleAssistant {
			continue
		}
		if text := messageText(msgs[i]); text != "" {
			return text
		}
	}
	return ""
}

// messageText joins the message's text blocks.
func messageText(m anthropic.MessageParam) string {
	var parts []string
	for _, b := range m.Content {
		if b.OfText != nil && strings.TrimSpace(b.OfText.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.OfText.Text))
		}
	}
	return strings.Join(parts, "\n\n")
}

// RenderTranscript renders messages as "<Role>: <text>" lines. Tool calls
// and tool results are dropped unless includeTools is set; messages left
// with nothing to show are skipped.
func RenderTranscript(msgs []anthropic.MessageParam, includeTools bool) []string {
	var lines []string
	for _, m := range msgs {
		var parts []string
		toolOnly := true
		for _, b := range m.Content {
			switch {
			case b.OfText != nil:
				if t := strings.TrimSpace(b.OfText.Text); t != "" {
					parts = append(parts, t)
					toolOnly = false
				}
			case b.OfToolUse != nil:
				if includeTools {
					parts = append(parts, "[tool call] "+b.OfToolUse.Name+" "+toolInput(b.OfToolUse.Input))
				}
			case b.OfToolResult != nil:
				if includeTools {
					parts = append(parts, toolResultText(b.OfToolResult))
				}
			default:
				toolOnly = false
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := "User"
		switch {
		case m.Role == anthropic.MessageParamRoleAssistant:
			role = "Assistant"
		case toolOnly:
			role = "Tool"
		}
		line := format.OneLine(strings.Join(parts, " "))
		lines = append(lines, role+": "+format.Truncate(line, maxLogLineRunes))
	}
	return lines
}

func toolInput(input any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func toolResultText(r *anthropic.ToolResultBlockParam) string {
	prefix := "[tool result]"
	if r.IsError.Value {
		prefix = "[tool error]"
	}
	var parts []string
	for _, c := range r.Content {
		if c.OfText != nil {
			parts = append(parts, c.OfText.Text)
		}
	}
	if len(parts) == 0 {
		return prefix
	}
	return prefix + " " + strings.Join(parts, " ")
}
