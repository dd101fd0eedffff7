package tools_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/armatrix/subctl"
	"github.com/armatrix/subctl/internal/fake"
	"github.com/armatrix/subctl/registry"
	"github.com/armatrix/subctl/session"
	"github.com/armatrix/subctl/tools"
)

const parent = "agent:main:main"

func newTools(t *testing.T) (*tools.Registry, *fake.Backend, *registry.Memory) {
	t.Helper()
	backend := fake.NewBackend()
	reg := registry.NewMemory()
	ctrl := subctl.NewController(reg, backend, session.NewMemoryStore(),
		subctl.WithLogger(zaptest.NewLogger(t)),
		subctl.WithCallTimeout(time.Second),
	)
	t.Cleanup(func() { ctrl.Close() })

	r := tools.NewRegistry()
	tools.RegisterSubagentTools(r, ctrl)
	return r, backend, reg
}

func run(t *testing.T, r *tools.Registry, name string, input any) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)
	text, isError, err := r.Execute(context.Background(), parent, name, raw)
	require.NoError(t, err)
	return text, isError
}

// --- Registry ---

func TestRegistry_ListForAPI(t *testing.T) {
	r, _, _ := newTools(t)
	assert.Equal(t, []string{"subagents", "sessions_spawn"}, r.Names())

	api := r.ListForAPI()
	require.Len(t, api, 2)
	sub := api[0].OfTool
	require.NotNil(t, sub)
	assert.Equal(t, "subagents", sub.Name)
	assert.Equal(t, []string{"action"}, sub.InputSchema.Required)

	props, ok := sub.InputSchema.Properties.(map[string]any)
	require.True(t, ok)
	action, ok := props["action"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, action["enum"], "kill")
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	_, _, err := r.Execute(context.Background(), parent, "nope", nil)
	assert.EqualError(t, err, "tool not found: nope")
}

func TestRegistry_InvalidInput(t *testing.T) {
	r, _, _ := newTools(t)
	text, isError, err := r.Execute(context.Background(), parent, "subagents", json.RawMessage(`{"action":7}`))
	require.NoError(t, err)
	assert.True(t, isError)
	assert.True(t, strings.HasPrefix(text, "invalid input:"), text)
}

func TestResult_Text(t *testing.T) {
	var nilResult *tools.Result
	assert.Empty(t, nilResult.Text())
	assert.Equal(t, "boom", tools.ErrorResult("boom").Text())
	assert.True(t, tools.ErrorResult("boom").IsError)
}

// --- subagents ---

func TestSubagents_ListEmpty(t *testing.T) {
	r, _, _ := newTools(t)
	text, isError := run(t, r, "subagents", tools.SubagentsInput{Action: "list"})
	assert.False(t, isError)
	assert.Equal(t, "No subagents for this session.", text)
}

func TestSubagents_UnknownAction(t *testing.T) {
	r, _, _ := newTools(t)
	text, isError := run(t, r, "subagents", tools.SubagentsInput{Action: "explode"})
	assert.True(t, isError)
	assert.Equal(t, `unknown action "explode"`, text)
}

func TestSubagents_MissingSession(t *testing.T) {
	tool := tools.NewSubagents(nil)
	res, err := tool.Execute(context.Background(), tools.Call{}, tools.SubagentsInput{Action: "list"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

type recordingExecutor struct {
	req subctl.Request
	cmd subctl.Command
}

func (e *recordingExecutor) Execute(_ context.Context, req subctl.Request, cmd subctl.Command) subctl.Reply {
	e.req, e.cmd = req, cmd
	return subctl.Reply{Text: "ok"}
}

func TestSubagents_BuildsCommand(t *testing.T) {
	tests := []struct {
		name string
		in   tools.SubagentsInput
		want subctl.Command
	}{
		{
			name: "kill maps to stop",
			in:   tools.SubagentsInput{Action: "kill", Target: " all "},
			want: subctl.Command{Verb: subctl.VerbStop, Target: "all"},
		},
		{
			name: "steer keeps message",
			in:   tools.SubagentsInput{Action: "Steer", Target: "2", Message: "focus on  tests"},
			want: subctl.Command{Verb: subctl.VerbSteer, Target: "2", Message: "focus on  tests", Args: []string{"focus", "on", "tests"}},
		},
		{
			name: "log args from limit and tools",
			in:   tools.SubagentsInput{Action: "log", Target: "last", Limit: 5, IncludeTools: true},
			want: subctl.Command{Verb: subctl.VerbLog, Target: "last", Args: []string{"5", "tools"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &recordingExecutor{}
			res, err := tools.NewSubagents(exec).Execute(context.Background(), tools.Call{SessionKey: parent}, tt.in)
			require.NoError(t, err)
			assert.Equal(t, "ok", res.Text())
			assert.Equal(t, tt.want, exec.cmd)
			assert.Equal(t, parent, exec.req.RequesterSessionKey)
			assert.True(t, exec.req.Caller.Owner)
			assert.Equal(t, tools.CallerChannel, exec.req.Caller.Channel)
		})
	}
}

// --- sessions_spawn ---

func TestSpawn_ThenKill(t *testing.T) {
	r, backend, reg := newTools(t)
	backend.Block = true

	text, isError := run(t, r, "sessions_spawn", tools.SpawnInput{Task: "research the topic", Label: "researcher"})
	require.False(t, isError, text)
	assert.True(t, strings.HasPrefix(text, "Spawned researcher (run r0000001, session agent:main:subagent:"), text)

	runs, err := reg.ListRunsForRequester(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "research the topic", runs[0].Task)
	assert.Equal(t, subctl.CleanupKeep, runs[0].Cleanup)

	text, isError = run(t, r, "subagents", tools.SubagentsInput{Action: "kill", Target: "researcher"})
	assert.False(t, isError)
	assert.Equal(t, "Stopped researcher.", text)
}

func TestSpawn_Validation(t *testing.T) {
	r, _, _ := newTools(t)

	text, isError := run(t, r, "sessions_spawn", tools.SpawnInput{})
	assert.True(t, isError)
	assert.Equal(t, "task is required", text)

	text, isError = run(t, r, "sessions_spawn", tools.SpawnInput{Task: "x", Cleanup: "shred"})
	assert.True(t, isError)
	assert.Equal(t, `unknown cleanup "shred"`, text)
}

func TestSpawn_DispatchFailure(t *testing.T) {
	r, backend, _ := newTools(t)
	backend.DispatchErr = assert.AnError

	text, isError := run(t, r, "sessions_spawn", tools.SpawnInput{Task: "x"})
	assert.True(t, isError)
	assert.True(t, strings.HasPrefix(text, "spawn failed: "), text)
}
