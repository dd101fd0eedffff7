package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/armatrix/subctl"
)

// CallerChannel is the channel reported for commands issued by agents
// through tools.
const CallerChannel = "agent"

// Executor runs parsed subagent commands. *subctl.Controller implements it.
type Executor interface {
	Execute(ctx context.Context, req subctl.Request, cmd subctl.Command) subctl.Reply
}

// Spawner starts subagent runs. *subctl.Controller implements it.
type Spawner interface {
	Spawn(ctx context.Context, req subctl.SpawnRequest) (subctl.RunRecord, error)
}

// RegisterSubagentTools adds the subagents and sessions_spawn tools.
func RegisterSubagentTools(r *Registry, ctrl *subctl.Controller) {
	Register(r, NewSubagents(ctrl))
	Register(r, NewSpawn(ctrl))
}

// --- subagents ---

// SubagentsInput is the input of the subagents tool.
type SubagentsInput struct {
	Action       string `json:"action" jsonschema:"enum=list,enum=kill,enum=steer,enum=send,enum=info,enum=log,description=Operation to perform on your subagents"`
	Target       string `json:"target,omitempty" jsonschema:"description=Run to act on: list index (1-based) or last or label or session key or run id prefix. kill also accepts all"`
	Message      string `json:"message,omitempty" jsonschema:"description=Message for send and steer"`
	Limit        int    `json:"limit,omitempty" jsonschema:"description=How many transcript messages log shows"`
	IncludeTools bool   `json:"include_tools,omitempty" jsonschema:"description=Include tool calls in log output"`
}

var actionVerbs = map[string]subctl.Verb{
	"list":  subctl.VerbList,
	"kill":  subctl.VerbStop,
	"stop":  subctl.VerbStop,
	"steer": subctl.VerbSteer,
	"send":  subctl.VerbSend,
	"info":  subctl.VerbInfo,
	"log":   subctl.VerbLog,
}

// Subagents lets an agent list and control the subagents it spawned. The
// calling session is the requester; it acts as the session owner.
type Subagents struct {
	exec Executor
}

// NewSubagents creates the subagents tool.
func NewSubagents(exec Executor) *Subagents {
	return &Subagents{exec: exec}
}

var _ Tool[SubagentsInput] = (*Subagents)(nil)

func (t *Subagents) Name() string { return "subagents" }

func (t *Subagents) Description() string {
	return "List, inspect, message, steer or kill the subagents spawned by this session"
}

func (t *Subagents) Execute(ctx context.Context, call Call, in SubagentsInput) (*Result, error) {
	if call.SessionKey == "" {
		return ErrorResult("no requester session"), nil
	}
	verb, ok := actionVerbs[strings.ToLower(strings.TrimSpace(in.Action))]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown action %q", in.Action)), nil
	}

	cmd := subctl.Command{
		Verb:    verb,
		Target:  strings.TrimSpace(in.Target),
		Message: strings.TrimSpace(in.Message),
	}
	if cmd.Message != "" {
		cmd.Args = strings.Fields(cmd.Message)
	}
	if verb == subctl.VerbLog {
		cmd.Args = nil
		if in.Limit > 0 {
			cmd.Args = append(cmd.Args, strconv.Itoa(in.Limit))
		}
		if in.IncludeTools {
			cmd.Args = append(cmd.Args, "tools")
		}
	}

	reply := t.exec.Execute(ctx, subctl.Request{
		RequesterSessionKey: call.SessionKey,
		Caller: subctl.Caller{
			Channel:  CallerChannel,
			SenderID: call.SessionKey,
			Owner:    true,
		},
	}, cmd)
	if reply.Text == "" {
		return ErrorResult("not authorized"), nil
	}
	return TextResult(reply.Text), nil
}

// --- sessions_spawn ---

// SpawnInput is the input of the sessions_spawn tool.
type SpawnInput struct {
	Task                string `json:"task" jsonschema:"description=What the subagent should do"`
	Label               string `json:"label,omitempty" jsonschema:"description=Short name used to address the subagent later"`
	AgentID             string `json:"agent_id,omitempty" jsonschema:"description=Agent to run; defaults to your own"`
	Model               string `json:"model,omitempty" jsonschema:"description=Model override recorded for the run"`
	Cleanup             string `json:"cleanup,omitempty" jsonschema:"enum=keep,enum=delete,description=What happens to the child session after it ends"`
	ArchiveAfterMinutes int    `json:"archive_after_minutes,omitempty" jsonschema:"description=Archive the run record this long after it starts"`
}

// Spawn starts a subagent in a fresh child session and returns at once;
// the result is announced to the requester when the run ends.
type Spawn struct {
	spawner Spawner
}

// NewSpawn creates the sessions_spawn tool.
func NewSpawn(s Spawner) *Spawn {
	return &Spawn{spawner: s}
}

var _ Tool[SpawnInput] = (*Spawn)(nil)

func (t *Spawn) Name() string { return "sessions_spawn" }

func (t *Spawn) Description() string {
	return "Start a subagent on a task in the background"
}

func (t *Spawn) Execute(ctx context.Context, call Call, in SpawnInput) (*Result, error) {
	if strings.TrimSpace(in.Task) == "" {
		return ErrorResult("task is required"), nil
	}
	var cleanup subctl.CleanupPolicy
	switch strings.ToLower(in.Cleanup) {
	case "":
	case string(subctl.CleanupKeep):
		cleanup = subctl.CleanupKeep
	case string(subctl.CleanupDelete):
		cleanup = subctl.CleanupDelete
	default:
		return ErrorResult(fmt.Sprintf("unknown cleanup %q", in.Cleanup)), nil
	}

	rec, err := t.spawner.Spawn(ctx, subctl.SpawnRequest{
		RequesterSessionKey: call.SessionKey,
		Task:                in.Task,
		Label:               in.Label,
		AgentID:             in.AgentID,
		Model:               in.Model,
		Cleanup:             cleanup,
		ArchiveAfter:        time.Duration(in.ArchiveAfterMinutes) * time.Minute,
	})
	if err != nil {
		return ErrorResult("spawn failed: " + err.Error()), nil
	}
	name := rec.DisplayLabel()
	if in.Label == "" {
		name = subctl.ShortID(rec.RunID)
	}
	return TextResult(fmt.Sprintf("Spawned %s (run %s, session %s).", name, subctl.ShortID(rec.RunID), rec.ChildSessionKey)), nil
}
