package subctl

import (
	"context"
	"strings"
	"unicode"
)

// Verb is a subagent command action.
type Verb string

const (
	VerbList  Verb = "list"
	VerbStop  Verb = "stop"
	VerbInfo  Verb = "info"
	VerbLog   Verb = "log"
	VerbSend  Verb = "send"
	VerbSteer Verb = "steer"
	VerbHelp  Verb = "help"
)

// Usage strings replied when a verb is missing a required argument.
const (
	UsageStop  = "Usage: /subagents stop <id|#|all>"
	UsageInfo  = "Usage: /subagents info <id|#>"
	UsageLog   = "Usage: /subagents log <id|#> [limit] [tools]"
	UsageSend  = "Usage: /subagents send <id|#> <message>"
	UsageSteer = "Usage: /subagents steer <id|#> <message>"
)

// HelpText is the reply to /subagents help and unknown verbs.
const HelpText = `Subagents
Usage:
- /subagents list
- /subagents stop <id|#|all>
- /subagents info <id|#>
- /subagents log <id|#> [limit] [tools]
- /subagents send <id|#> <message>
- /subagents steer <id|#> <message>
- /kill <id|#|all>
- /steer <id|#> <message>
Targets: list index (1-based), "last", label, session key or run id prefix.`

var verbAliases = map[string]Verb{
	"list":  VerbList,
	"ls":    VerbList,
	"stop":  VerbStop,
	"kill":  VerbStop,
	"info":  VerbInfo,
	"log":   VerbLog,
	"logs":  VerbLog,
	"send":  VerbSend,
	"steer": VerbSteer,
	"help":  VerbHelp,
}

// Command is a parsed subagent command.
type Command struct {
	Verb Verb

	// Target is the raw target token (id, index, label, key or "all").
	Target string

	// Args are the whitespace-separated tokens after the target.
	Args []string

	// Message is the text after the target with inner whitespace kept.
	Message string
}

// ParseCommand recognizes /subagents, /kill and /steer command text. ok is
// false for text that is not a subagent command.
func ParseCommand(text string) (cmd Command, ok bool) {
	head, rest := splitHead(strings.TrimSpace(text))
	switch strings.ToLower(head) {
	case "/subagents", "/subagent":
		word, after := splitHead(rest)
		if word == "" {
			return Command{Verb: VerbList}, true
		}
		verb, known := verbAliases[strings.ToLower(word)]
		if !known {
			return Command{Verb: VerbHelp}, true
		}
		cmd.Verb = verb
		rest = after
	case "/kill":
		cmd.Verb = VerbStop
	case "/steer":
		cmd.Verb = VerbSteer
	default:
		return Command{}, false
	}

	target, after := splitHead(rest)
	cmd.Target = target
	cmd.Message = strings.TrimSpace(after)
	cmd.Args = strings.Fields(after)
	return cmd, true
}

// splitHead splits s into its first whitespace-delimited word and the
// remainder.
func splitHead(s string) (head, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// Caller identifies who sent a command.
type Caller struct {
	Channel  string `json:"channel,omitempty"`
	SenderID string `json:"sender,omitempty"`

	// Owner marks the session owner (or the parent agent itself).
	Owner bool `json:"owner,omitempty"`
}

// Subject is the "channel:sender" string authorizers match against.
func (c Caller) Subject() string {
	return c.Channel + ":" + c.SenderID
}

// Authorizer decides whether a caller may run a command. Denied callers get
// a silent reply.
type Authorizer interface {
	Authorize(ctx context.Context, caller Caller, cmd Command) (bool, error)
}

// Request is one command invocation.
type Request struct {
	RequesterSessionKey string
	Caller              Caller
	Text                string
}

// Reply is the result of a command. Continue is true only for text that was
// not a subagent command; every subagent verb is terminal.
type Reply struct {
	Text     string `json:"reply,omitempty"`
	Continue bool   `json:"continue"`
}
