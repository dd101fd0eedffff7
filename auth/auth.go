// Package auth provides subctl.Authorizer implementations: sender
// allowlists matched with glob patterns, and Rego policies evaluated with
// Open Policy Agent.
package auth

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/armatrix/subctl"
)

// Globs allows callers whose "channel:sender" subject matches one of its
// patterns. The session owner is always allowed.
type Globs struct {
	patterns []string
}

var _ subctl.Authorizer = (*Globs)(nil)

// NewGlobs validates patterns and returns a Globs authorizer.
func NewGlobs(patterns ...string) (*Globs, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("auth: invalid sender pattern %q", p)
		}
	}
	return &Globs{patterns: patterns}, nil
}

// Authorize reports whether caller matches any pattern.
func (g *Globs) Authorize(_ context.Context, caller subctl.Caller, _ subctl.Command) (bool, error) {
	if caller.Owner {
		return true, nil
	}
	subject := caller.Subject()
	for _, p := range g.patterns {
		ok, err := doublestar.Match(p, subject)
		if err != nil {
			return false, fmt.Errorf("auth: match %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// All requires every authorizer to allow. Nil entries are skipped and an
// empty All allows everyone.
type All []subctl.Authorizer

// Authorize evaluates the authorizers in order and stops at the first
// denial or error.
func (a All) Authorize(ctx context.Context, caller subctl.Caller, cmd subctl.Command) (bool, error) {
	for _, z := range a {
		if z == nil {
			continue
		}
		ok, err := z.Authorize(ctx, caller, cmd)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
