package subctl

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

func (c *Controller) logCommand(ctx context.Context, inv *invocation, cmd Command) string {
	if cmd.Target == "" {
		return UsageLog
	}
	limit, includeTools := parseLogArgs(cmd.Args, c.opts.logLimit)

	rec, msg, ok := c.resolve(ctx, inv, cmd.Target)
	if !ok {
		return msg
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	msgs, err := c.backend.History(cctx, rec.ChildSessionKey, limit)
	if err != nil {
		c.log.Warn("history fetch failed", zap.String("child", rec.ChildSessionKey), zap.Error(err))
		return "Failed to load log: " + err.Error()
	}

	header := "Subagent log: " + runName(rec)
	lines := RenderTranscript(msgs, includeTools)
	if len(lines) == 0 {
		return header + "\n(no messages)"
	}
	return header + "\n" + strings.Join(lines, "\n")
}

// parseLogArgs reads "[limit] [tools]" in any order. Unrecognized tokens
// are ignored.
func parseLogArgs(args []string, def int) (limit int, includeTools bool) {
	limit = def
	for _, a := range args {
		if strings.EqualFold(a, "tools") {
			includeTools = true
			continue
		}
		if n, err := strconv.Atoi(a); err == nil {
			limit = min(max(n, 1), MaxLogLimit)
		}
	}
	return limit, includeTools
}
