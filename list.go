package subctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/armatrix/subctl/internal/budget"
	"github.com/armatrix/subctl/internal/format"
)

const (
	maxTaskRunes  = 120
	maxLabelRunes = 60
)

func (c *Controller) list(ctx context.Context, inv *invocation) string {
	runs, err := c.runs(ctx, inv)
	if err != nil {
		return "Failed to load subagents: " + err.Error()
	}
	listing := NumberedRuns(runs, inv.now, c.opts.recencyWindow)
	if listing.Len() == 0 {
		return "No subagents for this session."
	}

	var b strings.Builder
	b.WriteString("Subagents\n")
	idx := 1
	b.WriteString("Active:\n")
	if len(listing.Active) == 0 {
		b.WriteString("  none\n")
	}
	for _, r := range listing.Active {
		c.writeListLine(ctx, &b, inv, idx, r)
		idx++
	}
	fmt.Fprintf(&b, "Recent (last %s):\n", format.Duration(c.opts.recencyWindow))
	if len(listing.Recent) == 0 {
		b.WriteString("  none\n")
	}
	for _, r := range listing.Recent {
		c.writeListLine(ctx, &b, inv, idx, r)
		idx++
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Controller) writeListLine(ctx context.Context, b *strings.Builder, inv *invocation, idx int, r RunRecord) {
	entry, _ := inv.cache.entry(ctx, r.ChildSessionKey)

	fields := []string{r.Status()}
	if m := modelDisplay(r, entry); m != "" {
		fields = append(fields, m)
	}
	fields = append(fields, format.Duration(r.Runtime(inv.now)))
	if u := usageDisplay(r, entry); u != "" {
		fields = append(fields, u)
	}

	label := runName(r)
	fmt.Fprintf(b, "%d. %s · %s\n", idx, label, strings.Join(fields, " · "))
	if task := format.OneLine(r.Task); task != "" && task != label {
		fmt.Fprintf(b, "   task: %s\n", format.Truncate(task, maxTaskRunes))
	}
}

// modelDisplay prefers the run's model, then the session's, and shows the
// provider when it is not already part of the name.
func modelDisplay(r RunRecord, entry SessionEntry) string {
	model := r.Model
	if model == "" {
		model = entry.Model
	}
	if model == "" {
		return ""
	}
	if r.ModelProvider != "" && !strings.Contains(model, "/") {
		return r.ModelProvider + "/" + model
	}
	return model
}

// usageDisplay renders token usage and, when the model is priced, an
// estimated cost. Empty when no usage is recorded.
func usageDisplay(r RunRecord, entry SessionEntry) string {
	total := entry.Tokens()
	if total == 0 {
		return ""
	}
	s := fmt.Sprintf("tokens %s (in %s / out %s)",
		format.Tokens(total), format.Tokens(entry.InputTokens), format.Tokens(entry.OutputTokens))
	model := r.Model
	if model == "" {
		model = entry.Model
	}
	if cost, ok := budget.Estimate(model, budget.Usage{InputTokens: entry.InputTokens, OutputTokens: entry.OutputTokens}); ok {
		s += " ~" + budget.FormatUSD(cost)
	}
	return s
}
