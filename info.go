package subctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/armatrix/subctl/internal/format"
)

func (c *Controller) info(ctx context.Context, inv *invocation, cmd Command) string {
	if cmd.Target == "" {
		return UsageInfo
	}
	rec, msg, ok := c.resolve(ctx, inv, cmd.Target)
	if !ok {
		return msg
	}
	entry, _ := inv.cache.entry(ctx, rec.ChildSessionKey)
	return renderInfo(rec, entry, inv)
}

func renderInfo(rec RunRecord, entry SessionEntry, inv *invocation) string {
	orNA := func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "n/a"
		}
		return s
	}

	lines := []string{
		"Subagent info",
		"Status: " + rec.Status(),
		"Label: " + orNA(rec.Label),
		"Task: " + orNA(format.OneLine(rec.Task)),
		"Run: " + rec.RunID,
		"Session: " + rec.ChildSessionKey,
		"Session id: " + orNA(entry.SessionID),
		"Transcript: " + orNA(entry.SessionFile),
		"Model: " + orNA(modelDisplay(rec, entry)),
		"Runtime: " + format.Duration(rec.Runtime(inv.now)),
		"Created: " + format.TimestampWithAge(inv.now, rec.CreatedAt),
		"Started: " + format.TimestampWithAge(inv.now, rec.StartedAt),
		"Ended: " + format.TimestampWithAge(inv.now, rec.EndedAt),
		"Cleanup: " + orNA(string(rec.Cleanup)),
	}
	if rec.ArchiveAtMs > 0 {
		lines = append(lines, "Archive: "+format.Timestamp(rec.ArchiveAtMs))
	}
	if u := usageDisplay(rec, entry); u != "" {
		lines = append(lines, "Usage: "+u)
	}
	if entry.AbortedLastRun {
		lines = append(lines, "Aborted: yes")
	}
	lines = append(lines, "Outcome: "+outcomeText(rec.Outcome))
	return strings.Join(lines, "\n")
}

func outcomeText(o *Outcome) string {
	switch {
	case o == nil:
		return "n/a"
	case o.Error != "":
		return fmt.Sprintf("%s (%s)", o.Status, format.OneLine(o.Error))
	default:
		return string(o.Status)
	}
}
