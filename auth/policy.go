package auth

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/armatrix/subctl"
)

// PolicyQuery is the Rego rule a command policy must define.
const PolicyQuery = "data.subctl.allow"

// Policy authorizes commands with a Rego module. The module is evaluated
// with input {caller: {channel, sender, owner, subject}, verb, target} and
// must define a boolean data.subctl.allow; an undefined result denies.
type Policy struct {
	query rego.PreparedEvalQuery
}

var _ subctl.Authorizer = (*Policy)(nil)

// NewPolicy compiles module.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query(PolicyQuery),
		rego.Module("subctl.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare policy: %w", err)
	}
	return &Policy{query: query}, nil
}

// LoadPolicy compiles the Rego module in path.
func LoadPolicy(ctx context.Context, path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read policy: %w", err)
	}
	return NewPolicy(ctx, string(b))
}

// Authorize evaluates the policy for one command.
func (p *Policy) Authorize(ctx context.Context, caller subctl.Caller, cmd subctl.Command) (bool, error) {
	input := map[string]any{
		"caller": map[string]any{
			"channel": caller.Channel,
			"sender":  caller.SenderID,
			"owner":   caller.Owner,
			"subject": caller.Subject(),
		},
		"verb":   string(cmd.Verb),
		"target": cmd.Target,
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("auth: evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("auth: %s is %T, want bool", PolicyQuery, results[0].Expressions[0].Value)
	}
	return allow, nil
}

// DefaultPolicy lets the owner do anything and everyone else only read.
const DefaultPolicy = `
package subctl

import rego.v1

default allow := false

allow if input.caller.owner

allow if input.verb in {"list", "info", "log", "help"}
`
