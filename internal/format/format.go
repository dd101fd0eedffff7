// Package format renders durations, token counts and timestamps for
// command replies.
package format

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Duration renders d compactly: "45s", "3m", "1h5m", "2d3h".
func Duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	case secs < 86400:
		h, m := secs/3600, (secs%3600)/60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days, h := secs/86400, (secs%86400)/3600
		if h == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// Tokens renders a token count: "950", "1.2k", "3.4m".
func Tokens(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1_000_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1000)) + "k"
	default:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000_000)) + "m"
	}
}

func trimZero(s string) string {
	return strings.TrimSuffix(s, ".0")
}

// Timestamp renders epoch milliseconds as UTC. Zero renders as "n/a".
func Timestamp(ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05 UTC")
}

// Age renders how long before now ms was: "5m ago", "just now".
func Age(now time.Time, ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	d := now.Sub(time.UnixMilli(ms))
	if d < time.Second {
		return "just now"
	}
	return Duration(d) + " ago"
}

// TimestampWithAge renders "<timestamp> (<age>)".
func TimestampWithAge(now time.Time, ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return Timestamp(ms) + " (" + Age(now, ms) + ")"
}

// Truncate shortens s to at most n runes, marking the cut with "…".
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// OneLine collapses all whitespace runs in s to single spaces.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
