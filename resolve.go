package subctl

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// SortRuns returns a copy of runs with active runs first, each group ordered
// by effective start time, newest first. Runs with equal keys keep their
// snapshot order.
func SortRuns(runs []RunRecord) []RunRecord {
	out := make([]RunRecord, len(runs))
	copy(out, runs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Active() != out[j].Active() {
			return out[i].Active()
		}
		return out[i].EffectiveStart() > out[j].EffectiveStart()
	})
	return out
}

// RunListing is the numbered view shown by list and addressed by numeric
// indices: active runs, then runs that ended inside the recency window.
type RunListing struct {
	Active []RunRecord
	Recent []RunRecord
}

// All returns the numbered runs in index order (index 1 is All()[0]).
func (l RunListing) All() []RunRecord {
	out := make([]RunRecord, 0, len(l.Active)+len(l.Recent))
	out = append(out, l.Active...)
	return append(out, l.Recent...)
}

// Len is the number of indexable runs.
func (l RunListing) Len() int { return len(l.Active) + len(l.Recent) }

// NumberedRuns builds the listing used by both list and numeric targets.
func NumberedRuns(runs []RunRecord, now time.Time, window time.Duration) RunListing {
	cutoff := now.Add(-window).UnixMilli()
	var l RunListing
	for _, r := range SortRuns(runs) {
		switch {
		case r.Active():
			l.Active = append(l.Active, r)
		case r.EndedAt >= cutoff:
			l.Recent = append(l.Recent, r)
		}
	}
	return l
}

// ResolveTarget turns a user-typed token into exactly one run. Rules apply
// in order and the first that matches wins; a rule matching several runs is
// an ambiguity error rather than a fallthrough.
func ResolveTarget(runs []RunRecord, token string, now time.Time, window time.Duration) (RunRecord, error) {
	t := strings.TrimSpace(token)
	if t == "" {
		return RunRecord{}, &ResolutionError{Kind: ResolveMissing}
	}

	if t == "last" {
		if len(runs) == 0 {
			return RunRecord{}, &ResolutionError{Kind: ResolveUnknown, Token: t}
		}
		return SortRuns(runs)[0], nil
	}

	if isDigits(t) {
		listing := NumberedRuns(runs, now, window).All()
		idx, err := strconv.Atoi(t)
		if err != nil || idx < 1 || idx > len(listing) {
			return RunRecord{}, &ResolutionError{Kind: ResolveInvalidIndex, Token: t}
		}
		return listing[idx-1], nil
	}

	if strings.Contains(t, ":") {
		for _, r := range runs {
			if r.ChildSessionKey == t {
				return r, nil
			}
		}
		return RunRecord{}, &ResolutionError{Kind: ResolveUnknownSession, Token: t}
	}

	lower := strings.ToLower(t)
	sorted := SortRuns(runs)

	byLabel := matching(sorted, func(r RunRecord) bool {
		return strings.ToLower(r.DisplayLabel()) == lower
	})
	if r, ok, err := pick(byLabel, ResolveAmbiguousLabel, t); ok {
		return r, err
	}

	byPrefix := matching(sorted, func(r RunRecord) bool {
		return strings.HasPrefix(strings.ToLower(r.DisplayLabel()), lower)
	})
	if r, ok, err := pick(byPrefix, ResolveAmbiguousLabelPrefix, t); ok {
		return r, err
	}

	byRunID := matching(sorted, func(r RunRecord) bool {
		return strings.HasPrefix(r.RunID, t)
	})
	if r, ok, err := pick(byRunID, ResolveAmbiguousRunID, t); ok {
		return r, err
	}

	return RunRecord{}, &ResolutionError{Kind: ResolveUnknown, Token: t}
}

func matching(runs []RunRecord, fn func(RunRecord) bool) []RunRecord {
	var out []RunRecord
	for _, r := range runs {
		if fn(r) {
			out = append(out, r)
		}
	}
	return out
}

// pick reports ok=false when nothing matched so the caller falls through.
func pick(matches []RunRecord, ambiguous ResolveKind, token string) (RunRecord, bool, error) {
	switch len(matches) {
	case 0:
		return RunRecord{}, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return RunRecord{}, true, &ResolutionError{Kind: ambiguous, Token: token}
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
